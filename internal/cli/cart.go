package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/services"
)

// CartViewOutput is the JSON shape of a cart.
type CartViewOutput struct {
	CartID      string             `json:"cart_id,omitempty"`
	Owner       string             `json:"owner"`
	Currency    string             `json:"currency"`
	Lines       []CartLineOutput   `json:"lines"`
	Subtotal    int64              `json:"subtotal"`
	ItemCount   int                `json:"item_count"`
	Adjustments []AdjustmentOutput `json:"adjustments,omitempty"`
}

// CartLineOutput is one priced cart line.
type CartLineOutput struct {
	LineID    string `json:"line_id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
	Available int    `json:"available"`
}

// AdjustmentOutput reports a reconciliation change.
type AdjustmentOutput struct {
	ProductID        string `json:"product_id"`
	Kind             string `json:"kind"`
	Reason           string `json:"reason,omitempty"`
	PreviousQuantity int    `json:"previous_quantity"`
	Quantity         int    `json:"quantity"`
}

// LineOutput reports a line after a mutation.
type LineOutput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Removed   bool   `json:"removed"`
}

type cartOptions struct {
	*RootOptions
	Owner string
}

// NewCartCommand creates the cart command group.
func NewCartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &cartOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "cart",
		Short: "Inspect and change an owner's cart",
	}
	cmd.PersistentFlags().StringVar(&opts.Owner, "owner", "", `cart owner ("user:<id>", "session:<id>", or a bare user id)`)
	_ = cmd.MarkPersistentFlagRequired("owner")

	cmd.AddCommand(&cobra.Command{
		Use:   "view",
		Short: "Show the reconciled cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCartView(opts, cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <product-id> [quantity]",
		Short: "Add a product or increase its quantity",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			quantity := ""
			if len(args) > 1 {
				quantity = args[1]
			}
			return runCartAdd(opts, args[0], quantity, cmd)
		},
	})
	cmd.AddCommand(newStepCommand(opts, "inc", "Increase a line by one", services.QuantityIncrement))
	cmd.AddCommand(newStepCommand(opts, "dec", "Decrease a line by one, removing it at zero", services.QuantityDecrement))
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <line-id>",
		Short: "Remove a line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCartRemove(opts, args[0], cmd)
		},
	})
	return cmd
}

func newStepCommand(opts *cartOptions, use, short string, direction services.QuantityDirection) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <line-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseOwner(opts.Owner)
			if err != nil {
				return err
			}
			container, closeFn, err := openContainer(cmd.Context(), opts.RootOptions, cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			formatter := newFormatter(opts.RootOptions, cmd)

			result, err := container.Services.Cart.ChangeQuantity(cmd.Context(), services.ChangeQuantityCommand{
				Owner:     owner,
				LineID:    args[0],
				Direction: direction,
			})
			if err != nil {
				return formatter.Fail(err)
			}
			return writeLine(formatter, result)
		},
	}
}

func runCartView(opts *cartOptions, cmd *cobra.Command) error {
	owner, err := parseOwner(opts.Owner)
	if err != nil {
		return err
	}
	container, closeFn, err := openContainer(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	formatter := newFormatter(opts.RootOptions, cmd)

	view, err := container.Services.Cart.View(cmd.Context(), owner)
	if err != nil {
		return formatter.Fail(err)
	}
	out := toCartViewOutput(view)
	return formatter.Success(out, func(w io.Writer) {
		fmt.Fprintf(w, "Cart for %s (%d item(s))\n", out.Owner, out.ItemCount)
		if len(out.Lines) > 0 {
			fmt.Fprintln(w, "LINE\tPRODUCT\tNAME\tQTY\tUNIT\tSUBTOTAL")
			for _, line := range out.Lines {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n", line.LineID, line.ProductID, line.Name, line.Quantity, line.UnitPrice, line.Subtotal)
			}
		}
		fmt.Fprintf(w, "Subtotal:\t%d %s\n", out.Subtotal, out.Currency)
		writeAdjustments(w, out.Adjustments)
	})
}

func runCartAdd(opts *cartOptions, productID, quantity string, cmd *cobra.Command) error {
	owner, err := parseOwner(opts.Owner)
	if err != nil {
		return err
	}
	container, closeFn, err := openContainer(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	formatter := newFormatter(opts.RootOptions, cmd)

	result, err := container.Services.Cart.AddOrIncrement(cmd.Context(), services.AddToCartCommand{
		Owner:     owner,
		ProductID: productID,
		Quantity:  quantity,
	})
	if err != nil {
		return formatter.Fail(err)
	}
	return writeLine(formatter, result)
}

func runCartRemove(opts *cartOptions, lineID string, cmd *cobra.Command) error {
	owner, err := parseOwner(opts.Owner)
	if err != nil {
		return err
	}
	container, closeFn, err := openContainer(cmd.Context(), opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	formatter := newFormatter(opts.RootOptions, cmd)

	if err := container.Services.Cart.RemoveLine(cmd.Context(), owner, lineID); err != nil {
		return formatter.Fail(err)
	}
	return formatter.Success(LineOutput{ProductID: lineID, Removed: true}, func(w io.Writer) {
		fmt.Fprintf(w, "Removed %s\n", lineID)
	})
}

func writeLine(formatter *OutputFormatter, result services.CartLineResult) error {
	out := LineOutput{ProductID: result.ProductID, Quantity: result.Quantity, Removed: result.Removed}
	return formatter.Success(out, func(w io.Writer) {
		if out.Removed {
			fmt.Fprintf(w, "Removed %s\n", out.ProductID)
			return
		}
		fmt.Fprintf(w, "%s\tquantity %d\n", out.ProductID, out.Quantity)
	})
}

func writeAdjustments(w io.Writer, adjustments []AdjustmentOutput) {
	for _, adj := range adjustments {
		fmt.Fprintf(w, "Adjusted %s:\t%s (%s) %d -> %d\n", adj.ProductID, adj.Kind, adj.Reason, adj.PreviousQuantity, adj.Quantity)
	}
}

func toCartViewOutput(view services.CartView) CartViewOutput {
	out := CartViewOutput{
		CartID:      view.CartID,
		Owner:       view.Owner.Key(),
		Currency:    view.Currency,
		Lines:       make([]CartLineOutput, 0, len(view.Lines)),
		Subtotal:    view.Subtotal,
		ItemCount:   view.ItemCount,
		Adjustments: toAdjustmentOutputs(view.Adjustments),
	}
	for _, line := range view.Lines {
		out.Lines = append(out.Lines, CartLineOutput{
			LineID:    line.LineID,
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			Subtotal:  line.Subtotal,
			Available: line.Available,
		})
	}
	return out
}

func toAdjustmentOutputs(adjustments []services.CartAdjustment) []AdjustmentOutput {
	if len(adjustments) == 0 {
		return nil
	}
	out := make([]AdjustmentOutput, 0, len(adjustments))
	for _, adj := range adjustments {
		out = append(out, AdjustmentOutput{
			ProductID:        adj.ProductID,
			Kind:             string(adj.Kind),
			Reason:           string(adj.Reason),
			PreviousQuantity: adj.PreviousQuantity,
			Quantity:         adj.Quantity,
		})
	}
	return out
}

// parseOwner accepts "user:<id>", "session:<id>", or a bare id meaning a user.
func parseOwner(raw string) (domain.CartOwner, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.CartOwner{}, NewExitError(ExitCommandError, "--owner is required")
	}
	if owner, ok := domain.ParseOwnerKey(raw); ok {
		return owner, nil
	}
	if strings.Contains(raw, ":") {
		return domain.CartOwner{}, NewExitError(ExitCommandError, fmt.Sprintf("invalid owner %q", raw))
	}
	return domain.UserOwner(raw), nil
}
