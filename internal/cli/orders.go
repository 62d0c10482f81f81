package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/services"
)

// OrderOutput is the JSON shape of a frozen order.
type OrderOutput struct {
	ID             string            `json:"id"`
	Owner          string            `json:"owner"`
	Status         string            `json:"status"`
	Currency       string            `json:"currency"`
	Lines          []OrderLineOutput `json:"lines,omitempty"`
	Subtotal       int64             `json:"subtotal"`
	Shipping       int64             `json:"shipping"`
	Total          int64             `json:"total"`
	ItemCount      int               `json:"item_count"`
	ShipTo         string            `json:"ship_to,omitempty"`
	TransactionRef string            `json:"transaction_ref,omitempty"`
	CancelReason   string            `json:"cancel_reason,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// OrderLineOutput is one frozen order line.
type OrderLineOutput struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

// OrderListOutput is a page of orders.
type OrderListOutput struct {
	Orders        []OrderOutput `json:"orders"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

// NewCheckoutCommand creates the checkout command.
func NewCheckoutCommand(rootOpts *RootOptions) *cobra.Command {
	var owner, address, transactionRef string
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Freeze the owner's cart into an order",
		Long: `Freeze the owner's cart into an order.

The cart is reconciled first. If any line changed the checkout is aborted and
the adjusted lines are reported; run the command again to accept them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseOwner(owner)
			if err != nil {
				return err
			}
			container, closeFn, err := openContainer(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			formatter := newFormatter(rootOpts, cmd)

			order, err := container.Services.Checkout.Checkout(cmd.Context(), services.CheckoutCommand{
				Owner:          parsed,
				AddressID:      address,
				TransactionRef: transactionRef,
			})
			if err != nil {
				return formatter.Fail(err)
			}
			return writeOrder(formatter, order)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "cart owner")
	cmd.Flags().StringVar(&address, "address", "", "address id (defaults to the owner's default address)")
	cmd.Flags().StringVar(&transactionRef, "transaction-ref", "", "external payment reference")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// NewOrdersCommand creates the orders command group.
func NewOrdersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List, show and transition orders",
	}
	cmd.AddCommand(newOrdersListCommand(rootOpts))
	cmd.AddCommand(newOrdersShowCommand(rootOpts))
	cmd.AddCommand(newOrdersTransitionCommand(rootOpts))
	cmd.AddCommand(newOrdersCancelCommand(rootOpts))
	return cmd
}

func newOrdersListCommand(rootOpts *RootOptions) *cobra.Command {
	var owner, pageToken string
	var pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseOwner(owner)
			if err != nil {
				return err
			}
			container, closeFn, err := openContainer(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			formatter := newFormatter(rootOpts, cmd)

			page, err := container.Services.Orders.ListOrders(cmd.Context(), parsed, services.Pagination{
				PageSize:  pageSize,
				PageToken: pageToken,
			})
			if err != nil {
				return formatter.Fail(err)
			}
			out := OrderListOutput{Orders: make([]OrderOutput, 0, len(page.Items)), NextPageToken: page.NextPageToken}
			for _, order := range page.Items {
				out.Orders = append(out.Orders, toOrderOutput(order))
			}
			return formatter.Success(out, func(w io.Writer) {
				if len(out.Orders) == 0 {
					fmt.Fprintln(w, "No orders")
					return
				}
				fmt.Fprintln(w, "ID\tSTATUS\tITEMS\tTOTAL\tCREATED")
				for _, o := range out.Orders {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d %s\t%s\n", o.ID, o.Status, o.ItemCount, o.Total, o.Currency, o.CreatedAt)
				}
				if out.NextPageToken != "" {
					fmt.Fprintf(w, "Next page:\t%s\n", out.NextPageToken)
				}
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "order owner")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "orders per page")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "continuation token from a previous page")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newOrdersShowCommand(rootOpts *RootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseOwner(owner)
			if err != nil {
				return err
			}
			container, closeFn, err := openContainer(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			formatter := newFormatter(rootOpts, cmd)

			order, err := container.Services.Orders.GetOrder(cmd.Context(), parsed, args[0])
			if err != nil {
				return formatter.Fail(err)
			}
			return writeOrder(formatter, order)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "order owner")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newOrdersTransitionCommand(rootOpts *RootOptions) *cobra.Command {
	var status, transactionRef, actor string
	cmd := &cobra.Command{
		Use:   "transition <order-id>",
		Short: "Move an order to the next lifecycle status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, closeFn, err := openContainer(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			formatter := newFormatter(rootOpts, cmd)

			order, err := container.Services.Orders.TransitionStatus(cmd.Context(), services.OrderStatusTransitionCommand{
				OrderID:        args[0],
				TargetStatus:   domain.OrderStatus(strings.ToLower(strings.TrimSpace(status))),
				TransactionRef: transactionRef,
				ActorID:        actor,
			})
			if err != nil {
				return formatter.Fail(err)
			}
			return writeOrder(formatter, order)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status (paid|processing|shipped|delivered|cancelled)")
	cmd.Flags().StringVar(&transactionRef, "transaction-ref", "", "external payment reference, recorded when paid")
	cmd.Flags().StringVar(&actor, "actor", "storefrontctl", "actor recorded on the transition")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newOrdersCancelCommand(rootOpts *RootOptions) *cobra.Command {
	var owner, reason string
	cmd := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed domain.CartOwner
			if strings.TrimSpace(owner) != "" {
				var err error
				if parsed, err = parseOwner(owner); err != nil {
					return err
				}
			}
			container, closeFn, err := openContainer(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			formatter := newFormatter(rootOpts, cmd)

			order, err := container.Services.Orders.Cancel(cmd.Context(), services.CancelOrderCommand{
				Owner:   parsed,
				OrderID: args[0],
				Reason:  reason,
				ActorID: "storefrontctl",
			})
			if err != nil {
				return formatter.Fail(err)
			}
			return writeOrder(formatter, order)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "restrict cancellation to this owner's orders")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func writeOrder(formatter *OutputFormatter, order services.Order) error {
	out := toOrderOutput(order)
	return formatter.Success(out, func(w io.Writer) {
		fmt.Fprintf(w, "Order %s\t%s\n", out.ID, out.Status)
		fmt.Fprintf(w, "Owner:\t%s\n", out.Owner)
		if len(out.Lines) > 0 {
			fmt.Fprintln(w, "PRODUCT\tNAME\tQTY\tUNIT\tSUBTOTAL")
			for _, line := range out.Lines {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", line.ProductID, line.Name, line.Quantity, line.UnitPrice, line.Subtotal)
			}
		}
		fmt.Fprintf(w, "Subtotal:\t%d\n", out.Subtotal)
		fmt.Fprintf(w, "Shipping:\t%d\n", out.Shipping)
		fmt.Fprintf(w, "Total:\t%d %s\n", out.Total, out.Currency)
		if out.ShipTo != "" {
			fmt.Fprintf(w, "Ship to:\t%s\n", out.ShipTo)
		}
		if out.TransactionRef != "" {
			fmt.Fprintf(w, "Transaction:\t%s\n", out.TransactionRef)
		}
		if out.CancelReason != "" {
			fmt.Fprintf(w, "Cancelled:\t%s\n", out.CancelReason)
		}
	})
}

func toOrderOutput(order services.Order) OrderOutput {
	out := OrderOutput{
		ID:             order.ID,
		Owner:          order.Owner.Key(),
		Status:         string(order.Status),
		Currency:       order.Currency,
		Subtotal:       order.Totals.Subtotal,
		Shipping:       order.Totals.Shipping,
		Total:          order.Totals.Total,
		ItemCount:      order.Totals.ItemCount,
		ShipTo:         formatShipTo(order.ShippingAddress),
		TransactionRef: order.TransactionRef,
		CancelReason:   order.CancelReason,
		CreatedAt:      order.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, line := range order.Lines {
		out.Lines = append(out.Lines, OrderLineOutput{
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			Subtotal:  line.Subtotal,
		})
	}
	return out
}

func formatShipTo(addr services.AddressSnapshot) string {
	parts := make([]string, 0, 4)
	for _, v := range []string{addr.Recipient, addr.Line1, addr.City, addr.Country} {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}
