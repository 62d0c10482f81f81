package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

var (
	errCartRepositoryRequired    = errors.New("cart service: cart repository is required")
	errProductRepositoryRequired = errors.New("cart service: product repository is required")
	errCartClockRequired         = errors.New("cart service: clock is required")
)

const (
	// maxLineWriteAttempts bounds the insert/update retry when a concurrent request creates the same line.
	maxLineWriteAttempts = 3
	purgeBatchSize       = 100
)

// CartServiceDeps wires the repositories required for cart reconciliation.
type CartServiceDeps struct {
	Carts    repositories.CartRepository
	Products repositories.ProductRepository
	// UnitOfWork groups each read-check-write pass. Optional; without it calls run unguarded.
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Currency   string
	// StrictQuantity rejects malformed quantities instead of coercing them to 1.
	StrictQuantity bool
	Logger         func(context.Context, string, map[string]any)
	IDGenerator    func() string
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	uow      repositories.UnitOfWork
	now      func() time.Time
	currency string
	strict   bool
	logger   func(context.Context, string, map[string]any)
	newID    func() string
}

var _ CartService = (*cartService)(nil)

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errProductRepositoryRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "JPY"
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		uow:      deps.UnitOfWork,
		now:      func() time.Time { return deps.Clock().UTC() },
		currency: currency,
		strict:   deps.StrictQuantity,
		logger:   logger,
		newID:    idGen,
	}, nil
}

func (s *cartService) runInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return runInTx(ctx, s.uow, fn)
}

func runInTx(ctx context.Context, uow repositories.UnitOfWork, fn func(ctx context.Context) error) error {
	if uow == nil {
		return fn(ctx)
	}
	return uow.RunInTx(ctx, fn)
}

func (s *cartService) translate(err error) error {
	return translateRepoError(err, nil, nil, ErrCartUnavailable)
}

// parseQuantity accepts the raw client value. Anything that is not a positive integer becomes 1 unless strict
// mode is on.
func (s *cartService) parseQuantity(ctx context.Context, owner CartOwner, raw string) (int, error) {
	qty, err := strconv.Atoi(strings.TrimSpace(raw))
	if err == nil && qty >= 1 {
		return qty, nil
	}
	if s.strict {
		return 0, fmt.Errorf("%w: quantity %q must be a positive integer", ErrCartInvalidInput, raw)
	}
	fields := ownerFields(owner)
	fields["raw"] = raw
	s.logger(ctx, "cart.quantity_coerced", fields)
	return 1, nil
}

// findOrInit loads the owner's cart, creating an empty one on first interaction.
func (s *cartService) findOrInit(ctx context.Context, owner CartOwner) (Cart, error) {
	cart, err := s.carts.FindByOwner(ctx, owner)
	if err == nil {
		return normaliseCart(cart), nil
	}
	if !isRepoNotFound(err) {
		return Cart{}, s.translate(err)
	}

	now := s.now()
	created, err := s.carts.Create(ctx, Cart{
		ID:        s.newID(),
		Owner:     owner,
		Lines:     map[string]CartLine{},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err == nil {
		s.logger(ctx, "cart.created", ownerFields(owner))
		return normaliseCart(created), nil
	}
	if !isRepoConflict(err) {
		return Cart{}, s.translate(err)
	}
	// Another request created the cart first.
	cart, err = s.carts.FindByOwner(ctx, owner)
	if err != nil {
		return Cart{}, s.translate(err)
	}
	return normaliseCart(cart), nil
}

func normaliseCart(cart Cart) Cart {
	if cart.Lines == nil {
		cart.Lines = map[string]CartLine{}
	}
	return cart
}

func validOwner(owner CartOwner) bool {
	return owner.Valid()
}

func (s *cartService) AddOrIncrement(ctx context.Context, cmd AddToCartCommand) (CartLineResult, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if !validOwner(cmd.Owner) || productID == "" {
		return CartLineResult{}, ErrCartInvalidInput
	}
	qty, err := s.parseQuantity(ctx, cmd.Owner, cmd.Quantity)
	if err != nil {
		return CartLineResult{}, err
	}

	cart, err := s.findOrInit(ctx, cmd.Owner)
	if err != nil {
		return CartLineResult{}, err
	}

	var result CartLineResult
	for attempt := 1; ; attempt++ {
		err = s.runInTx(ctx, func(ctx context.Context) error {
			var txErr error
			result, txErr = s.addOnce(ctx, cart.ID, cmd.Owner, productID, qty)
			return txErr
		})
		if err == nil {
			break
		}
		if (isRepoConflict(err) || isRepoNotFound(err)) && attempt < maxLineWriteAttempts {
			s.logger(ctx, "cart.line_write_retry", map[string]any{
				"owner":     cmd.Owner.Key(),
				"productID": productID,
				"attempt":   attempt,
			})
			continue
		}
		return CartLineResult{}, s.translateAddError(err)
	}

	s.logger(ctx, "cart.line_added", map[string]any{
		"owner":     cmd.Owner.Key(),
		"productID": productID,
		"added":     qty,
		"quantity":  result.Quantity,
	})
	return result, nil
}

// addOnce performs a single read-check-write. Conflicts and vanished lines bubble up so the caller retries
// with fresh state.
func (s *cartService) addOnce(ctx context.Context, cartID string, owner CartOwner, productID string, qty int) (CartLineResult, error) {
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return CartLineResult{}, fmt.Errorf("%w: %s", ErrProductUnavailable, productID)
		}
		return CartLineResult{}, err
	}
	if !product.Available() {
		return CartLineResult{}, fmt.Errorf("%w: %s", ErrProductUnavailable, productID)
	}

	cart, err := s.carts.FindByOwner(ctx, owner)
	if err != nil {
		return CartLineResult{}, err
	}
	existing, held := cart.Line(productID)
	existing.Quantity = max(existing.Quantity, 0)

	// Compare against the remaining room so huge requests cannot wrap the sum.
	if qty > product.Stock-existing.Quantity {
		return CartLineResult{}, &InsufficientStockError{
			ProductID:   productID,
			Requested:   qty,
			Available:   product.Stock,
			AlreadyHeld: existing.Quantity,
		}
	}

	projected := existing.Quantity + qty
	now := s.now()
	if held {
		existing.Quantity = projected
		existing.UpdatedAt = now
		if err := s.carts.UpdateLine(ctx, existing); err != nil {
			return CartLineResult{}, err
		}
	} else {
		line := CartLine{CartID: cartID, ProductID: productID, Quantity: projected, AddedAt: now, UpdatedAt: now}
		if err := s.carts.InsertLine(ctx, line); err != nil {
			return CartLineResult{}, err
		}
	}
	return CartLineResult{ProductID: productID, Quantity: projected}, nil
}

func (s *cartService) translateAddError(err error) error {
	var stockErr *InsufficientStockError
	if errors.As(err, &stockErr) || errors.Is(err, ErrProductUnavailable) {
		return err
	}
	if isRepoConflict(err) {
		return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	return s.translate(err)
}

func (s *cartService) Reconcile(ctx context.Context, owner CartOwner) ([]CartAdjustment, error) {
	if !validOwner(owner) {
		return nil, ErrCartInvalidInput
	}
	adjustments, _, _, err := s.reconcileOwner(ctx, owner)
	if err != nil {
		if isRepoNotFound(err) {
			return nil, nil
		}
		return nil, s.translate(err)
	}
	return adjustments, nil
}

// reconcileCart removes lines whose product is gone, inactive or out of stock and clamps lines above the
// available stock. It returns the adjusted cart and the products it read. All reads happen before any write.
func (s *cartService) reconcileCart(ctx context.Context, cart Cart) ([]CartAdjustment, Cart, map[string]Product, error) {
	if len(cart.Lines) == 0 {
		return nil, cart, map[string]Product{}, nil
	}
	products, err := s.products.GetMany(ctx, cart.ProductIDs())
	if err != nil {
		return nil, cart, nil, err
	}

	adjustments := planReconciliation(cart, products)
	now := s.now()
	for _, adj := range adjustments {
		switch adj.Kind {
		case domain.AdjustmentRemoved:
			if err := s.carts.DeleteLine(ctx, cart.ID, adj.ProductID, now); err != nil && !isRepoNotFound(err) {
				return nil, cart, nil, err
			}
			delete(cart.Lines, adj.ProductID)
		case domain.AdjustmentClamped:
			line := cart.Lines[adj.ProductID]
			line.Quantity = adj.Quantity
			line.UpdatedAt = now
			if err := s.carts.UpdateLine(ctx, line); err != nil {
				return nil, cart, nil, err
			}
			cart.Lines[adj.ProductID] = line
		}
	}
	if len(adjustments) > 0 {
		s.logger(ctx, "cart.reconciled", map[string]any{
			"owner":       cart.Owner.Key(),
			"cartID":      cart.ID,
			"adjustments": len(adjustments),
		})
	}
	return adjustments, cart, products, nil
}

// planReconciliation is the pure decision step of reconcileCart.
func planReconciliation(cart Cart, products map[string]Product) []CartAdjustment {
	var adjustments []CartAdjustment
	for _, line := range cart.SortedLines() {
		product, ok := products[line.ProductID]
		adj := CartAdjustment{ProductID: line.ProductID, PreviousQuantity: line.Quantity}
		switch {
		case line.Quantity <= 0:
			adj.Kind, adj.Reason = domain.AdjustmentRemoved, domain.AdjustmentReasonInvalidQuantity
		case !ok:
			adj.Kind, adj.Reason = domain.AdjustmentRemoved, domain.AdjustmentReasonMissing
		case !product.Active:
			adj.Kind, adj.Reason = domain.AdjustmentRemoved, domain.AdjustmentReasonInactive
		case product.Stock <= 0:
			adj.Kind, adj.Reason = domain.AdjustmentRemoved, domain.AdjustmentReasonOutOfStock
		case line.Quantity > product.Stock:
			adj.Kind, adj.Reason = domain.AdjustmentClamped, domain.AdjustmentReasonStockReduced
			adj.Quantity = product.Stock
		default:
			continue
		}
		if ok {
			adj.ProductName = product.Name
			adj.Available = max(product.Stock, 0)
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments
}

func (s *cartService) ChangeQuantity(ctx context.Context, cmd ChangeQuantityCommand) (CartLineResult, error) {
	lineID := strings.TrimSpace(cmd.LineID)
	if !validOwner(cmd.Owner) || lineID == "" {
		return CartLineResult{}, ErrCartInvalidInput
	}
	if cmd.Direction != QuantityIncrement && cmd.Direction != QuantityDecrement {
		return CartLineResult{}, fmt.Errorf("%w: unknown direction %q", ErrCartInvalidInput, cmd.Direction)
	}

	var result CartLineResult
	err := s.runInTx(ctx, func(ctx context.Context) error {
		line, err := s.ownedLine(ctx, cmd.Owner, lineID)
		if err != nil {
			return err
		}
		if cmd.Direction == QuantityIncrement {
			product, err := s.products.Get(ctx, lineID)
			if err != nil {
				if isRepoNotFound(err) {
					return fmt.Errorf("%w: %s", ErrProductUnavailable, lineID)
				}
				return err
			}
			if !product.Active {
				return fmt.Errorf("%w: %s", ErrProductUnavailable, lineID)
			}
			if line.Quantity >= product.Stock {
				return &InsufficientStockError{
					ProductID:   lineID,
					Requested:   1,
					Available:   product.Stock,
					AlreadyHeld: line.Quantity,
				}
			}
			line.Quantity++
		} else {
			if line.Quantity <= 1 {
				if err := s.carts.DeleteLine(ctx, line.CartID, lineID, s.now()); err != nil {
					return err
				}
				result = CartLineResult{ProductID: lineID, Removed: true}
				return nil
			}
			line.Quantity--
		}
		line.UpdatedAt = s.now()
		if err := s.carts.UpdateLine(ctx, line); err != nil {
			return err
		}
		result = CartLineResult{ProductID: lineID, Quantity: line.Quantity}
		return nil
	})
	if err != nil {
		return CartLineResult{}, s.translateLineError(err)
	}

	s.logger(ctx, "cart.quantity_changed", map[string]any{
		"owner":     cmd.Owner.Key(),
		"productID": lineID,
		"direction": string(cmd.Direction),
		"quantity":  result.Quantity,
		"removed":   result.Removed,
	})
	return result, nil
}

// ownedLine resolves a line within the owner's own cart. Lines of other owners are reported as missing.
func (s *cartService) ownedLine(ctx context.Context, owner CartOwner, lineID string) (CartLine, error) {
	cart, err := s.carts.FindByOwner(ctx, owner)
	if err != nil {
		if isRepoNotFound(err) {
			return CartLine{}, ErrLineNotFound
		}
		return CartLine{}, err
	}
	line, ok := cart.Line(lineID)
	if !ok {
		return CartLine{}, ErrLineNotFound
	}
	return line, nil
}

func (s *cartService) translateLineError(err error) error {
	var stockErr *InsufficientStockError
	switch {
	case errors.As(err, &stockErr),
		errors.Is(err, ErrLineNotFound),
		errors.Is(err, ErrProductUnavailable):
		return err
	case isRepoNotFound(err):
		return ErrLineNotFound
	}
	return s.translate(err)
}

func (s *cartService) RemoveLine(ctx context.Context, owner CartOwner, lineID string) error {
	lineID = strings.TrimSpace(lineID)
	if !validOwner(owner) || lineID == "" {
		return ErrCartInvalidInput
	}
	err := s.runInTx(ctx, func(ctx context.Context) error {
		line, err := s.ownedLine(ctx, owner, lineID)
		if err != nil {
			return err
		}
		return s.carts.DeleteLine(ctx, line.CartID, lineID, s.now())
	})
	if err != nil {
		return s.translateLineError(err)
	}
	s.logger(ctx, "cart.line_removed", map[string]any{"owner": owner.Key(), "productID": lineID})
	return nil
}

func (s *cartService) View(ctx context.Context, owner CartOwner) (CartView, error) {
	if !validOwner(owner) {
		return CartView{}, ErrCartInvalidInput
	}
	cart, err := s.findOrInit(ctx, owner)
	if err != nil {
		return CartView{}, err
	}

	adjustments, reconciled, products, err := s.reconcileOwner(ctx, owner)
	if err != nil {
		if isRepoNotFound(err) {
			// Purged between the lookup and the reconciliation pass.
			return s.buildView(cart, nil, nil), nil
		}
		return CartView{}, s.translate(err)
	}
	return s.buildView(reconciled, products, adjustments), nil
}

// reconcileOwner loads and reconciles the owner's cart in one unit of work.
func (s *cartService) reconcileOwner(ctx context.Context, owner CartOwner) ([]CartAdjustment, Cart, map[string]Product, error) {
	var (
		adjustments []CartAdjustment
		cart        Cart
		products    map[string]Product
	)
	err := s.runInTx(ctx, func(ctx context.Context) error {
		current, err := s.carts.FindByOwner(ctx, owner)
		if err != nil {
			return err
		}
		adjustments, cart, products, err = s.reconcileCart(ctx, normaliseCart(current))
		return err
	})
	return adjustments, cart, products, err
}

func (s *cartService) buildView(cart Cart, products map[string]Product, adjustments []CartAdjustment) CartView {
	priced, totals := domain.PriceCart(cart, products)
	view := CartView{
		CartID:      cart.ID,
		Owner:       cart.Owner,
		Currency:    s.currency,
		Lines:       make([]CartViewLine, 0, len(priced)),
		Subtotal:    totals.Subtotal,
		ItemCount:   totals.ItemCount,
		Adjustments: adjustments,
		UpdatedAt:   cart.UpdatedAt,
	}
	for _, p := range priced {
		view.Lines = append(view.Lines, CartViewLine{
			LineID:      p.Line.ProductID,
			ProductID:   p.Line.ProductID,
			ProductCode: p.Product.Code,
			Name:        p.Product.Name,
			UnitPrice:   p.UnitPrice,
			Quantity:    p.Line.Quantity,
			Subtotal:    p.Subtotal,
			Available:   p.Product.Stock,
			AddedAt:     p.Line.AddedAt,
		})
	}
	return view
}

// MergeSessionCart moves the anonymous cart's lines into the account cart and deletes the anonymous cart. Lines
// that would exceed stock are clamped; unavailable products are dropped. Both outcomes are reported.
func (s *cartService) MergeSessionCart(ctx context.Context, session, user CartOwner) (MergeResult, error) {
	if !validOwner(session) || !session.IsAnonymous() || !validOwner(user) || user.IsAnonymous() {
		return MergeResult{}, ErrCartInvalidInput
	}
	target, err := s.findOrInit(ctx, user)
	if err != nil {
		return MergeResult{}, err
	}

	var result MergeResult
	err = s.runInTx(ctx, func(ctx context.Context) error {
		result = MergeResult{}
		source, err := s.carts.FindByOwner(ctx, session)
		if err != nil {
			if isRepoNotFound(err) {
				return nil
			}
			return err
		}
		source = normaliseCart(source)
		current, err := s.carts.FindByOwner(ctx, user)
		if err != nil {
			return err
		}
		current = normaliseCart(current)
		products, err := s.products.GetMany(ctx, source.ProductIDs())
		if err != nil {
			return err
		}

		if err := s.carts.Delete(ctx, source.ID); err != nil {
			return err
		}

		now := s.now()
		for _, line := range source.SortedLines() {
			product, ok := products[line.ProductID]
			adj := CartAdjustment{ProductID: line.ProductID, PreviousQuantity: line.Quantity}
			if !ok || !product.Available() {
				adj.Kind = domain.AdjustmentRemoved
				switch {
				case !ok:
					adj.Reason = domain.AdjustmentReasonMissing
				case !product.Active:
					adj.Reason = domain.AdjustmentReasonInactive
				default:
					adj.Reason = domain.AdjustmentReasonOutOfStock
				}
				if ok {
					adj.ProductName = product.Name
				}
				result.Adjustments = append(result.Adjustments, adj)
				continue
			}

			existing, held := current.Line(line.ProductID)
			room := product.Stock - existing.Quantity
			moved := min(line.Quantity, room)
			if moved <= 0 {
				adj.Kind, adj.Reason = domain.AdjustmentRemoved, domain.AdjustmentReasonOutOfStock
				adj.ProductName, adj.Available = product.Name, product.Stock
				result.Adjustments = append(result.Adjustments, adj)
				continue
			}
			if moved < line.Quantity {
				adj.Kind, adj.Reason = domain.AdjustmentClamped, domain.AdjustmentReasonStockReduced
				adj.ProductName, adj.Available, adj.Quantity = product.Name, product.Stock, moved
				result.Adjustments = append(result.Adjustments, adj)
			}

			merged := CartLine{
				CartID:    target.ID,
				ProductID: line.ProductID,
				Quantity:  existing.Quantity + moved,
				AddedAt:   line.AddedAt,
				UpdatedAt: now,
			}
			if held {
				merged.AddedAt = existing.AddedAt
				err = s.carts.UpdateLine(ctx, merged)
			} else {
				err = s.carts.InsertLine(ctx, merged)
			}
			if err != nil {
				return err
			}
			result.Merged = append(result.Merged, CartLineResult{ProductID: merged.ProductID, Quantity: merged.Quantity})
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, s.translate(err)
	}

	s.logger(ctx, "cart.session_merged", map[string]any{
		"session":     session.Key(),
		"user":        user.Key(),
		"merged":      len(result.Merged),
		"adjustments": len(result.Adjustments),
	})
	return result, nil
}

// PurgeStaleSessions deletes anonymous carts untouched for longer than olderThan.
func (s *cartService) PurgeStaleSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be positive", ErrCartInvalidInput)
	}
	cutoff := s.now().Add(-olderThan)
	purged := 0
	for {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		stale, err := s.carts.ListStaleSessionCarts(ctx, cutoff, purgeBatchSize)
		if err != nil {
			return purged, s.translate(err)
		}
		for _, cart := range stale {
			if err := s.carts.Delete(ctx, cart.ID); err != nil && !isRepoNotFound(err) {
				return purged, s.translate(err)
			}
			purged++
		}
		if len(stale) < purgeBatchSize {
			break
		}
	}
	s.logger(ctx, "cart.sessions_purged", map[string]any{
		"cutoff": cutoff.Format(time.RFC3339),
		"purged": purged,
	})
	return purged, nil
}
