package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// PurgeOutput reports how many anonymous carts were deleted.
type PurgeOutput struct {
	Purged    int    `json:"purged"`
	OlderThan string `json:"older_than"`
}

// NewCartsCommand creates the carts maintenance group.
func NewCartsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "carts",
		Short: "Maintain stored carts",
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete anonymous carts untouched for longer than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return NewExitError(ExitCommandError, "--older-than must be positive")
			}
			container, closeFn, err := openContainer(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			formatter := newFormatter(rootOpts, cmd)

			purged, err := container.Services.Cart.PurgeStaleSessions(cmd.Context(), olderThan)
			if err != nil {
				return formatter.Fail(err)
			}
			out := PurgeOutput{Purged: purged, OlderThan: olderThan.String()}
			return formatter.Success(out, func(w io.Writer) {
				fmt.Fprintf(w, "Purged %d session cart(s) older than %s\n", out.Purged, out.OlderThan)
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum idle time before a session cart is purged")
	cmd.AddCommand(purge)
	return cmd
}
