package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanko-field/storefront/internal/di"
	"github.com/hanko-field/storefront/internal/platform/config"
	"github.com/hanko-field/storefront/internal/platform/observability"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose        bool
	Format         string // "json" | "text"
	DB             string
	Currency       string
	ShippingFlat   int64
	StrictQuantity bool

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for storefrontctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storefrontctl",
		Short: "Operate a local storefront store",
		Long: `storefrontctl drives the cart, checkout and order services against a SQLite store.

Seed a catalog, build carts for user or session owners, place orders and
move them through the order lifecycle without running the HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "storefront.db", "path to the SQLite store")
	cmd.PersistentFlags().StringVar(&opts.Currency, "currency", "JPY", "store currency")
	cmd.PersistentFlags().Int64Var(&opts.ShippingFlat, "shipping", 0, "flat shipping cost in minor units")
	cmd.PersistentFlags().BoolVar(&opts.StrictQuantity, "strict-quantity", false, "reject malformed quantities instead of coercing to 1")

	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewCartCommand(opts))
	cmd.AddCommand(NewCheckoutCommand(opts))
	cmd.AddCommand(NewOrdersCommand(opts))
	cmd.AddCommand(NewCartsCommand(opts))

	return cmd
}

// openContainer wires the services over the SQLite store named by --db.
func openContainer(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*di.Container, func(), error) {
	logger, err := observability.NewCLILogger(opts.Verbose)
	if err != nil {
		logger = zap.NewNop()
	}
	cfg := config.Config{
		Store:    config.StoreConfig{Driver: config.StoreDriverSQLite, SQLitePath: opts.DB},
		Checkout: config.CheckoutConfig{Currency: opts.Currency, ShippingFlat: opts.ShippingFlat},
		Cart:     config.CartConfig{StrictQuantity: opts.StrictQuantity},
		Security: config.SecurityConfig{Environment: "cli"},
	}
	containerOpts := []di.Option{di.WithLogger(logger)}
	if opts.Clock != nil {
		containerOpts = append(containerOpts, di.WithClock(opts.Clock))
	}
	container, err := di.NewContainer(ctx, cfg, containerOpts...)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open store", err)
	}
	closeFn := func() {
		if err := container.Close(context.Background()); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "close store: %v\n", err)
		}
		_ = logger.Sync()
	}
	return container, closeFn, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
