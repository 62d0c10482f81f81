package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hanko-field/storefront/internal/services"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a service rejected the operation
	ExitCommandError = 2 // bad flags, unreadable files, store not openable
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error

	reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Plain errors map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Reported reports whether err was already written by an OutputFormatter.
func Reported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.reported
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope written in --format json mode.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

// Fail reports a service error and returns an ExitError carrying ExitFailure.
func (f *OutputFormatter) Fail(err error) error {
	code, details := classifyError(err)
	if f.Format == "json" {
		if encErr := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error(), Details: details},
		}); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(f.ErrWriter, "Error [%s]: %s\n", code, err.Error())
		if f.Verbose && details != nil {
			fmt.Fprintf(f.ErrWriter, "Details: %+v\n", details)
		}
	}
	exitErr := WrapExitError(ExitFailure, code, err)
	exitErr.reported = true
	return exitErr
}

// VerboseLog writes diagnostics to ErrWriter so JSON on stdout stays intact.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// classifyError maps service errors to the codes used by the HTTP API.
func classifyError(err error) (string, any) {
	var stock *services.InsufficientStockError
	var aborted *services.CheckoutAbortedError
	var race *services.CheckoutRaceLostError
	switch {
	case errors.As(err, &stock):
		return "insufficient_stock", stock
	case errors.As(err, &aborted):
		return "checkout_aborted", aborted.Adjustments
	case errors.As(err, &race):
		return "checkout_race_lost", race.Lines
	case errors.Is(err, services.ErrProductUnavailable):
		return "product_unavailable", nil
	case errors.Is(err, services.ErrLineNotFound):
		return "line_not_found", nil
	case errors.Is(err, services.ErrEmptyCart):
		return "empty_cart", nil
	case errors.Is(err, services.ErrAddressNotFound):
		return "address_not_found", nil
	case errors.Is(err, services.ErrOrderNotFound):
		return "order_not_found", nil
	case errors.Is(err, services.ErrOrderInvalidTransition):
		return "invalid_order_status", nil
	case errors.Is(err, services.ErrOrderConflict):
		return "order_conflict", nil
	case errors.Is(err, services.ErrCartInvalidInput),
		errors.Is(err, services.ErrCheckoutInvalidInput),
		errors.Is(err, services.ErrOrderInvalidInput):
		return "invalid_request", nil
	case errors.Is(err, services.ErrCartUnavailable),
		errors.Is(err, services.ErrCheckoutUnavailable),
		errors.Is(err, services.ErrOrderUnavailable):
		return "unavailable", nil
	default:
		return "error", nil
	}
}
