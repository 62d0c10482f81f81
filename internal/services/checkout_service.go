package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/textutil"
	"github.com/hanko-field/storefront/internal/repositories"
)

const (
	checkoutMetricNamespace = "github.com/hanko-field/storefront/internal/services/checkout"
	maxTransactionRefLength = 128
	maxAddressFieldLength   = 200
)

// CheckoutHook runs after a checkout transaction commits. Failures are logged and never fail the checkout.
type CheckoutHook struct {
	Name string
	Run  func(ctx context.Context, order Order) error
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts      repositories.CartRepository
	Products   repositories.ProductRepository
	Orders     repositories.OrderRepository
	Addresses  repositories.AddressRepository
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
	// IDGenerator produces order ids.
	IDGenerator func() string
	Currency    string
	// ShippingCost is the flat shipping charge, in minor units, added to every order.
	ShippingCost int64
	Hooks        []CheckoutHook
	Meter        metric.Meter
}

type checkoutService struct {
	reconciler *cartService
	carts      repositories.CartRepository
	products   repositories.ProductRepository
	orders     repositories.OrderRepository
	addresses  repositories.AddressRepository
	uow        repositories.UnitOfWork
	now        func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
	newID      func() string
	currency   string
	shipping   int64
	hooks      []CheckoutHook

	completed metric.Int64Counter
	aborted   metric.Int64Counter
	raceLost  metric.Int64Counter
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("checkout service: product repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("checkout service: address repository is required")
	}
	if deps.UnitOfWork == nil {
		return nil, errors.New("checkout service: unit of work is required")
	}
	if deps.ShippingCost < 0 {
		return nil, errors.New("checkout service: shipping cost must not be negative")
	}
	for _, hook := range deps.Hooks {
		if strings.TrimSpace(hook.Name) == "" || hook.Run == nil {
			return nil, errors.New("checkout service: hooks require a name and a function")
		}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "JPY"
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(checkoutMetricNamespace)
	}

	now := func() time.Time { return clock().UTC() }
	svc := &checkoutService{
		reconciler: &cartService{
			carts:    deps.Carts,
			products: deps.Products,
			uow:      deps.UnitOfWork,
			now:      now,
			currency: currency,
			logger:   logger,
			newID:    idGen,
		},
		carts:     deps.Carts,
		products:  deps.Products,
		orders:    deps.Orders,
		addresses: deps.Addresses,
		uow:       deps.UnitOfWork,
		now:       now,
		logger:    logger,
		newID:     idGen,
		currency:  currency,
		shipping:  deps.ShippingCost,
		hooks:     append([]CheckoutHook(nil), deps.Hooks...),
	}

	var err error
	if svc.completed, err = meter.Int64Counter("checkout.completed",
		metric.WithDescription("Orders created by checkout")); err != nil {
		return nil, fmt.Errorf("checkout service: register metric: %w", err)
	}
	if svc.aborted, err = meter.Int64Counter("checkout.aborted",
		metric.WithDescription("Checkouts stopped because reconciliation changed the cart")); err != nil {
		return nil, fmt.Errorf("checkout service: register metric: %w", err)
	}
	if svc.raceLost, err = meter.Int64Counter("checkout.race_lost",
		metric.WithDescription("Checkouts that lost stock to a concurrent checkout")); err != nil {
		return nil, fmt.Errorf("checkout service: register metric: %w", err)
	}
	return svc, nil
}

// Checkout reconciles the cart, then decrements stock, creates the order and clears the ordered lines in one
// unit of work.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error) {
	if !validOwner(cmd.Owner) {
		return Order{}, ErrCheckoutInvalidInput
	}
	ownerAttr := metric.WithAttributes(attribute.String("owner_kind", string(cmd.Owner.Kind)))

	cart, err := s.carts.FindByOwner(ctx, cmd.Owner)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrEmptyCart
		}
		return Order{}, s.translate(err)
	}
	if len(cart.Lines) == 0 {
		return Order{}, ErrEmptyCart
	}

	snapshot, err := s.resolveAddress(ctx, cmd.Owner, strings.TrimSpace(cmd.AddressID))
	if err != nil {
		return Order{}, err
	}
	transactionRef := textutil.Truncate(textutil.PlainText(cmd.TransactionRef), maxTransactionRefLength)

	adjustments, reconciled, _, err := s.reconciler.reconcileOwner(ctx, cmd.Owner)
	if err != nil {
		return Order{}, s.translate(err)
	}
	if len(adjustments) > 0 || len(reconciled.Lines) == 0 {
		s.aborted.Add(ctx, 1, ownerAttr)
		fields := ownerFields(cmd.Owner)
		fields["adjustments"] = len(adjustments)
		s.logger(ctx, "checkout.aborted", fields)
		return Order{}, &CheckoutAbortedError{Adjustments: adjustments}
	}

	var order Order
	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		var txErr error
		order, txErr = s.freeze(ctx, cmd.Owner, snapshot, transactionRef)
		return txErr
	})
	if err != nil {
		var raceErr *CheckoutRaceLostError
		if stockErrs := repositories.AsStockErrors(err); len(stockErrs) > 0 {
			raceErr = raceLostFromStockErrors(stockErrs)
		} else if !errors.As(err, &raceErr) {
			if errors.Is(err, ErrEmptyCart) {
				return Order{}, err
			}
			return Order{}, s.translate(err)
		}
		s.raceLost.Add(ctx, 1, ownerAttr)
		raceErr.Adjustments = s.reconcileAfterRace(ctx, cmd.Owner)
		fields := ownerFields(cmd.Owner)
		fields["lines"] = len(raceErr.Lines)
		fields["adjustments"] = len(raceErr.Adjustments)
		s.logger(ctx, "checkout.race_lost", fields)
		return Order{}, raceErr
	}

	s.completed.Add(ctx, 1, ownerAttr)
	s.logger(ctx, "checkout.completed", map[string]any{
		"owner":   cmd.Owner.Key(),
		"orderID": order.ID,
		"total":   order.Totals.Total,
		"items":   order.Totals.ItemCount,
	})
	s.runHooks(ctx, order)
	return order, nil
}

// reconcileAfterRace brings the losing cart in line with the stock left by the winner. The rollback already
// restored the cart, so a failure here only loses the adjustment report.
func (s *checkoutService) reconcileAfterRace(ctx context.Context, owner CartOwner) []CartAdjustment {
	adjustments, _, _, err := s.reconciler.reconcileOwner(ctx, owner)
	if err != nil {
		fields := ownerFields(owner)
		fields["error"] = err.Error()
		s.logger(ctx, "checkout.race_reconcile_failed", fields)
		return nil
	}
	return adjustments
}

// freeze runs inside the unit of work. It re-reads the cart and products, then performs every write; stores
// such as Firestore require that ordering.
func (s *checkoutService) freeze(ctx context.Context, owner CartOwner, address AddressSnapshot, transactionRef string) (Order, error) {
	cart, err := s.carts.FindByOwner(ctx, owner)
	if err != nil {
		return Order{}, err
	}
	lines := cart.SortedLines()
	if len(lines) == 0 {
		return Order{}, ErrEmptyCart
	}
	products, err := s.products.GetMany(ctx, cart.ProductIDs())
	if err != nil {
		return Order{}, err
	}

	var (
		decrements  = make([]domain.StockDecrement, 0, len(lines))
		orderLines  = make([]OrderLine, 0, len(lines))
		productIDs  = make([]string, 0, len(lines))
		unavailable []StockShortfall
	)
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			unavailable = append(unavailable, StockShortfall{ProductID: line.ProductID, Requested: line.Quantity})
			continue
		}
		decrements = append(decrements, domain.StockDecrement{ProductID: line.ProductID, Quantity: line.Quantity})
		orderLines = append(orderLines, domain.OrderLineFromProduct(product, line.Quantity))
		productIDs = append(productIDs, line.ProductID)
	}
	if len(unavailable) > 0 {
		return Order{}, &CheckoutRaceLostError{Lines: unavailable}
	}
	totals, err := domain.CalculateOrderTotals(orderLines, s.shipping)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %w", ErrCheckoutInvalidInput, err)
	}

	if err := s.products.DecrementStock(ctx, decrements); err != nil {
		return Order{}, err
	}

	now := s.now()
	order := Order{
		ID:              s.newID(),
		Owner:           owner,
		Status:          domain.OrderStatusPendingPayment,
		Currency:        s.currency,
		Lines:           orderLines,
		Totals:          totals,
		ShippingAddress: address,
		TransactionRef:  transactionRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, err
	}
	if err := s.carts.DeleteLines(ctx, cart.ID, productIDs, now); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *checkoutService) resolveAddress(ctx context.Context, owner CartOwner, addressID string) (AddressSnapshot, error) {
	var (
		address Address
		err     error
	)
	if addressID != "" {
		address, err = s.addresses.Get(ctx, owner, addressID)
	} else {
		address, err = s.addresses.Default(ctx, owner)
	}
	if err != nil {
		if isRepoNotFound(err) {
			return AddressSnapshot{}, ErrAddressNotFound
		}
		return AddressSnapshot{}, s.translate(err)
	}
	return snapshotAddress(address)
}

// snapshotAddress freezes a sanitised copy of the address onto the order.
func snapshotAddress(address Address) (AddressSnapshot, error) {
	clean := func(v string) string {
		return textutil.Truncate(textutil.PlainText(v), maxAddressFieldLength)
	}
	snapshot := AddressSnapshot{
		Label:      clean(address.Label),
		Recipient:  clean(address.Recipient),
		Company:    clean(address.Company),
		Line1:      clean(address.Line1),
		Line2:      clean(address.Line2),
		City:       clean(address.City),
		Region:     clean(address.Region),
		PostalCode: clean(address.PostalCode),
		Phone:      clean(address.Phone),
	}
	if snapshot.Recipient == "" || snapshot.Line1 == "" || snapshot.City == "" {
		return AddressSnapshot{}, fmt.Errorf("%w: address requires recipient, line1 and city", ErrCheckoutInvalidInput)
	}
	country, ok := textutil.CountryCode(address.Country)
	if !ok {
		return AddressSnapshot{}, fmt.Errorf("%w: unknown country %q", ErrCheckoutInvalidInput, address.Country)
	}
	snapshot.Country = country
	return snapshot, nil
}

// runHooks dispatches the post-commit hooks concurrently and waits for them.
func (s *checkoutService) runHooks(ctx context.Context, order Order) {
	if len(s.hooks) == 0 {
		return
	}
	hookCtx := context.WithoutCancel(ctx)
	var group errgroup.Group
	for _, hook := range s.hooks {
		group.Go(func() error {
			if err := hook.Run(hookCtx, order); err != nil {
				s.logger(ctx, "checkout.hook_failed", map[string]any{
					"hook":    hook.Name,
					"orderID": order.ID,
					"error":   err.Error(),
				})
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (s *checkoutService) translate(err error) error {
	return translateRepoError(err, nil, nil, ErrCheckoutUnavailable)
}
