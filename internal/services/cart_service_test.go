package services

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

func TestNewCartServiceValidatesDeps(t *testing.T) {
	if _, err := NewCartService(CartServiceDeps{}); !errors.Is(err, errCartRepositoryRequired) {
		t.Fatalf("expected cart repository error, got %v", err)
	}
	env := newTestEnv(t)
	if _, err := NewCartService(CartServiceDeps{Carts: env.store.Carts()}); !errors.Is(err, errProductRepositoryRequired) {
		t.Fatalf("expected product repository error, got %v", err)
	}
	if _, err := NewCartService(CartServiceDeps{Carts: env.store.Carts(), Products: env.store.Products()}); !errors.Is(err, errCartClockRequired) {
		t.Fatalf("expected clock error, got %v", err)
	}
}

func TestAddOrIncrementRejectsOverStock(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 5)

	if got := env.add(t, owner, "p-1", "3"); got.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", got.Quantity)
	}

	_, err := env.cart.AddOrIncrement(context.Background(), AddToCartCommand{Owner: owner, ProductID: "p-1", Quantity: "3"})
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected error to match ErrInsufficientStock")
	}
	if stockErr.Requested != 3 || stockErr.Available != 5 || stockErr.AlreadyHeld != 3 {
		t.Fatalf("unexpected error detail %+v", stockErr)
	}
	if got := env.lines(t, owner)["p-1"].Quantity; got != 3 {
		t.Fatalf("expected line to stay at 3, got %d", got)
	}
}

func TestAddOrIncrementLeavesNoOrphanLine(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.SessionOwner("sess-1")
	env.seedProduct(t, "p-1", 1000, 2)

	_, err := env.cart.AddOrIncrement(context.Background(), AddToCartCommand{Owner: owner, ProductID: "p-1", Quantity: "5"})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, ok := env.lines(t, owner)["p-1"]; ok {
		t.Fatalf("failed first add must not leave a line behind")
	}
}

func TestAddOrIncrementHugeQuantityOnHeldLine(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 5)
	env.add(t, owner, "p-1", "1")

	_, err := env.cart.AddOrIncrement(context.Background(), AddToCartCommand{
		Owner:     owner,
		ProductID: "p-1",
		Quantity:  strconv.Itoa(math.MaxInt),
	})
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if stockErr.AlreadyHeld != 1 || stockErr.Available != 5 {
		t.Fatalf("unexpected error detail %+v", stockErr)
	}
	if got := env.lines(t, owner)["p-1"].Quantity; got != 1 {
		t.Fatalf("expected line to stay at 1, got %d", got)
	}

	view, err := env.cart.View(context.Background(), owner)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.ItemCount != 1 || view.Subtotal != 1000 {
		t.Fatalf("unexpected view after rejected add: %+v", view)
	}
}

func TestAddOrIncrementCoercesMalformedQuantity(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 10)

	for _, raw := range []string{"", "abc", "0", "-4", "1.5"} {
		env.add(t, owner, "p-1", raw)
	}
	if got := env.lines(t, owner)["p-1"].Quantity; got != 5 {
		t.Fatalf("expected five coerced single units, got %d", got)
	}
	if !env.logs.has("cart.quantity_coerced") {
		t.Fatalf("expected coercion to be logged")
	}
}

func TestAddOrIncrementStrictModeRejectsMalformedQuantity(t *testing.T) {
	env := newTestEnv(t, withStrictQuantity())
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 10)

	_, err := env.cart.AddOrIncrement(context.Background(), AddToCartCommand{Owner: owner, ProductID: "p-1", Quantity: "zero"})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if len(env.lines(t, owner)) != 0 {
		t.Fatalf("expected no lines after rejected add")
	}
}

func TestAddOrIncrementRejectsUnavailableProducts(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "sold-out", 1000, 0)
	env.seedProduct(t, "retired", 1000, 4)
	env.updateProduct(t, "retired", func(p *domain.Product) { p.Active = false })

	for _, id := range []string{"sold-out", "retired", "missing"} {
		_, err := env.cart.AddOrIncrement(context.Background(), AddToCartCommand{Owner: owner, ProductID: id, Quantity: "1"})
		if !errors.Is(err, ErrProductUnavailable) {
			t.Fatalf("%s: expected product unavailable, got %v", id, err)
		}
	}
	if len(env.lines(t, owner)) != 0 {
		t.Fatalf("expected cart to remain empty")
	}
}

func TestAddOrIncrementRejectsInvalidOwner(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.cart.AddOrIncrement(context.Background(), AddToCartCommand{ProductID: "p-1", Quantity: "1"})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

// racingCartRepository inserts the line on behalf of a concurrent request right before the service does.
type racingCartRepository struct {
	repositories.CartRepository
	once sync.Once
}

func (r *racingCartRepository) InsertLine(ctx context.Context, line domain.CartLine) error {
	raced := false
	r.once.Do(func() {
		raced = true
		competitor := line
		competitor.Quantity = 1
		if err := r.CartRepository.InsertLine(ctx, competitor); err != nil {
			panic(err)
		}
	})
	if raced {
		return repositories.NewConflictError("test.insert_line", errors.New("duplicate line"))
	}
	return r.CartRepository.InsertLine(ctx, line)
}

func TestAddOrIncrementRetriesDuplicateInsertAsUpdate(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 10)

	racing := &racingCartRepository{CartRepository: env.store.Carts()}
	svc, err := NewCartService(CartServiceDeps{
		Carts:    racing,
		Products: env.store.Products(),
		Clock:    env.clock.Now,
		Logger:   env.logs.log,
	})
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}

	res, err := svc.AddOrIncrement(context.Background(), AddToCartCommand{Owner: owner, ProductID: "p-1", Quantity: "2"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res.Quantity != 3 {
		t.Fatalf("expected competitor unit plus 2, got %d", res.Quantity)
	}
	if !env.logs.has("cart.line_write_retry") {
		t.Fatalf("expected retry to be logged")
	}
}

func TestChangeQuantityIncrementAtCapacityFails(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 2)
	env.add(t, owner, "p-1", "2")

	_, err := env.cart.ChangeQuantity(context.Background(), ChangeQuantityCommand{Owner: owner, LineID: "p-1", Direction: QuantityIncrement})
	var stockErr *InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if stockErr.Requested != 1 || stockErr.AlreadyHeld != 2 || stockErr.Available != 2 {
		t.Fatalf("unexpected detail %+v", stockErr)
	}
	if got := env.lines(t, owner)["p-1"].Quantity; got != 2 {
		t.Fatalf("expected quantity to stay 2, got %d", got)
	}
}

func TestChangeQuantityStepsAndRemovesAtOne(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 5)
	env.add(t, owner, "p-1", "1")
	ctx := context.Background()

	res, err := env.cart.ChangeQuantity(ctx, ChangeQuantityCommand{Owner: owner, LineID: "p-1", Direction: QuantityIncrement})
	if err != nil || res.Quantity != 2 {
		t.Fatalf("expected increment to 2, got %+v err=%v", res, err)
	}
	res, err = env.cart.ChangeQuantity(ctx, ChangeQuantityCommand{Owner: owner, LineID: "p-1", Direction: QuantityDecrement})
	if err != nil || res.Quantity != 1 {
		t.Fatalf("expected decrement to 1, got %+v err=%v", res, err)
	}
	res, err = env.cart.ChangeQuantity(ctx, ChangeQuantityCommand{Owner: owner, LineID: "p-1", Direction: QuantityDecrement})
	if err != nil || !res.Removed {
		t.Fatalf("expected removal at one, got %+v err=%v", res, err)
	}
	if _, ok := env.lines(t, owner)["p-1"]; ok {
		t.Fatalf("expected line to be deleted")
	}
}

func TestLineOperationsAreOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	alice := domain.UserOwner("alice")
	bob := domain.UserOwner("bob")
	env.seedProduct(t, "p-1", 1000, 5)
	env.add(t, alice, "p-1", "2")
	ctx := context.Background()

	if err := env.cart.RemoveLine(ctx, bob, "p-1"); !errors.Is(err, ErrLineNotFound) {
		t.Fatalf("expected line not found for foreign owner, got %v", err)
	}
	_, err := env.cart.ChangeQuantity(ctx, ChangeQuantityCommand{Owner: bob, LineID: "p-1", Direction: QuantityDecrement})
	if !errors.Is(err, ErrLineNotFound) {
		t.Fatalf("expected line not found for foreign owner, got %v", err)
	}
	if got := env.lines(t, alice)["p-1"].Quantity; got != 2 {
		t.Fatalf("alice's line must be untouched, got %d", got)
	}

	if err := env.cart.RemoveLine(ctx, alice, "p-9"); !errors.Is(err, ErrLineNotFound) {
		t.Fatalf("expected line not found for missing line, got %v", err)
	}
	if err := env.cart.RemoveLine(ctx, alice, "p-1"); err != nil {
		t.Fatalf("remove line: %v", err)
	}
	if len(env.lines(t, alice)) != 0 {
		t.Fatalf("expected empty cart after removal")
	}
}

func TestReconcileClampsAndRemoves(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "clamp", 1000, 10)
	env.seedProduct(t, "gone", 500, 10)
	env.seedProduct(t, "retired", 500, 10)
	env.seedProduct(t, "fine", 200, 10)
	env.add(t, owner, "clamp", "6")
	env.add(t, owner, "gone", "2")
	env.add(t, owner, "retired", "1")
	env.add(t, owner, "fine", "3")

	env.updateProduct(t, "clamp", func(p *domain.Product) { p.Stock = 4 })
	env.updateProduct(t, "gone", func(p *domain.Product) { p.Stock = 0 })
	env.updateProduct(t, "retired", func(p *domain.Product) { p.Active = false })

	ctx := context.Background()
	adjustments, err := env.cart.Reconcile(ctx, owner)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	byID := map[string]CartAdjustment{}
	for _, adj := range adjustments {
		byID[adj.ProductID] = adj
	}
	if len(byID) != 3 {
		t.Fatalf("expected three adjustments, got %+v", adjustments)
	}
	if adj := byID["clamp"]; adj.Kind != domain.AdjustmentClamped || adj.Quantity != 4 || adj.PreviousQuantity != 6 {
		t.Fatalf("unexpected clamp adjustment %+v", adj)
	}
	if adj := byID["gone"]; adj.Kind != domain.AdjustmentRemoved || adj.Reason != domain.AdjustmentReasonOutOfStock {
		t.Fatalf("unexpected removal %+v", adj)
	}
	if adj := byID["retired"]; adj.Kind != domain.AdjustmentRemoved || adj.Reason != domain.AdjustmentReasonInactive {
		t.Fatalf("unexpected inactive removal %+v", adj)
	}

	lines := env.lines(t, owner)
	for id, line := range lines {
		product, err := env.store.Products().Get(ctx, id)
		if err != nil {
			t.Fatalf("get product: %v", err)
		}
		if line.Quantity > product.Stock {
			t.Fatalf("line %s exceeds stock after reconcile: %d > %d", id, line.Quantity, product.Stock)
		}
	}

	again, err := env.cart.Reconcile(ctx, owner)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("reconcile must be idempotent, got %+v", again)
	}
}

func TestViewRemovesSoldOutLineAndRecomputesTotal(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 5)
	env.seedProduct(t, "p-2", 300, 5)
	env.updateProduct(t, "p-2", func(p *domain.Product) { sale := int64(250); p.SalePrice = &sale })
	env.add(t, owner, "p-1", "2")
	env.add(t, owner, "p-2", "3")

	ctx := context.Background()
	view, err := env.cart.View(ctx, owner)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Subtotal != 2*1000+3*250 || view.ItemCount != 5 {
		t.Fatalf("unexpected totals %d / %d", view.Subtotal, view.ItemCount)
	}

	env.updateProduct(t, "p-1", func(p *domain.Product) { p.Stock = 0 })

	view, err = env.cart.View(ctx, owner)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(view.Adjustments) != 1 || view.Adjustments[0].Kind != domain.AdjustmentRemoved || view.Adjustments[0].ProductID != "p-1" {
		t.Fatalf("expected removal event for p-1, got %+v", view.Adjustments)
	}
	if len(view.Lines) != 1 || view.Lines[0].ProductID != "p-2" {
		t.Fatalf("expected only p-2 to remain, got %+v", view.Lines)
	}
	var sum int64
	for _, line := range view.Lines {
		if line.Subtotal != line.UnitPrice*int64(line.Quantity) {
			t.Fatalf("line subtotal mismatch %+v", line)
		}
		sum += line.Subtotal
	}
	if view.Subtotal != sum || view.Subtotal != 750 {
		t.Fatalf("expected cart total 750 equal to line sum %d, got %d", sum, view.Subtotal)
	}
}

func TestViewInitialisesEmptyCart(t *testing.T) {
	env := newTestEnv(t)
	owner := domain.SessionOwner("sess-new")
	view, err := env.cart.View(context.Background(), owner)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.CartID == "" || len(view.Lines) != 0 || view.Subtotal != 0 {
		t.Fatalf("expected empty initialised cart, got %+v", view)
	}
	if view.Currency != "JPY" {
		t.Fatalf("expected JPY currency, got %q", view.Currency)
	}
}

func TestMergeSessionCartClampsToStock(t *testing.T) {
	env := newTestEnv(t)
	session := domain.SessionOwner("sess-1")
	user := domain.UserOwner("user-1")
	env.seedProduct(t, "p-1", 1000, 5)
	env.seedProduct(t, "p-2", 500, 5)
	env.seedProduct(t, "p-3", 500, 5)
	env.add(t, user, "p-1", "4")
	env.add(t, session, "p-1", "3")
	env.add(t, session, "p-2", "2")
	env.add(t, session, "p-3", "1")
	env.updateProduct(t, "p-3", func(p *domain.Product) { p.Active = false })

	res, err := env.cart.MergeSessionCart(context.Background(), session, user)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(res.Merged) != 2 {
		t.Fatalf("expected two merged lines, got %+v", res.Merged)
	}
	if len(res.Adjustments) != 2 {
		t.Fatalf("expected clamp and removal adjustments, got %+v", res.Adjustments)
	}

	lines := env.lines(t, user)
	if lines["p-1"].Quantity != 5 || lines["p-2"].Quantity != 2 {
		t.Fatalf("unexpected merged quantities %+v", lines)
	}
	if _, ok := lines["p-3"]; ok {
		t.Fatalf("inactive product must not be merged")
	}
	if _, err := env.store.Carts().FindByOwner(context.Background(), session); !repositories.IsNotFound(err) {
		t.Fatalf("expected session cart to be deleted, got %v", err)
	}
}

func TestMergeSessionCartRejectsSwappedOwners(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.cart.MergeSessionCart(context.Background(), domain.UserOwner("u"), domain.SessionOwner("s"))
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPurgeStaleSessionsKeepsRecentAndUserCarts(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, "p-1", 1000, 10)
	env.add(t, domain.SessionOwner("old"), "p-1", "1")
	env.add(t, domain.UserOwner("user-1"), "p-1", "1")

	env.clock.mu.Lock()
	env.clock.now = env.clock.now.Add(72 * time.Hour)
	env.clock.mu.Unlock()
	env.add(t, domain.SessionOwner("fresh"), "p-1", "1")

	purged, err := env.cart.PurgeStaleSessions(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged cart, got %d", purged)
	}
	if len(env.lines(t, domain.SessionOwner("old"))) != 0 {
		t.Fatalf("expected stale session cart to be gone")
	}
	if len(env.lines(t, domain.SessionOwner("fresh"))) != 1 || len(env.lines(t, domain.UserOwner("user-1"))) != 1 {
		t.Fatalf("expected fresh session and user carts to survive")
	}

	if _, err := env.cart.PurgeStaleSessions(context.Background(), 0); !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected invalid input for zero cutoff, got %v", err)
	}
}

func TestPurgeStaleSessionsTreatsRemovalAsActivity(t *testing.T) {
	env := newTestEnv(t)
	env.seedProduct(t, "p-1", 1000, 10)
	env.seedProduct(t, "p-2", 500, 10)
	owner := domain.SessionOwner("busy")
	env.add(t, owner, "p-1", "1")
	env.add(t, owner, "p-2", "1")

	env.clock.mu.Lock()
	env.clock.now = env.clock.now.Add(72 * time.Hour)
	env.clock.mu.Unlock()
	if err := env.cart.RemoveLine(context.Background(), owner, "p-1"); err != nil {
		t.Fatalf("remove line: %v", err)
	}

	purged, err := env.cart.PurgeStaleSessions(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected recently edited cart to survive, purged %d", purged)
	}
	if lines := env.lines(t, owner); len(lines) != 1 {
		t.Fatalf("expected remaining line to survive, got %+v", lines)
	}
}

func TestPlanReconciliationIsPure(t *testing.T) {
	cart := domain.Cart{ID: "c", Lines: map[string]domain.CartLine{
		"a": {ProductID: "a", Quantity: 2, AddedAt: testNow},
		"b": {ProductID: "b", Quantity: 9, AddedAt: testNow.Add(time.Second)},
	}}
	products := map[string]domain.Product{
		"a": {ID: "a", Stock: 2, Active: true},
		"b": {ID: "b", Stock: 3, Active: true},
	}
	adjustments := planReconciliation(cart, products)
	if len(adjustments) != 1 || adjustments[0].ProductID != "b" || adjustments[0].Quantity != 3 {
		t.Fatalf("unexpected plan %+v", adjustments)
	}
	if cart.Lines["b"].Quantity != 9 {
		t.Fatalf("planning must not mutate the cart")
	}
}

func TestPlanReconciliationRemovesNonPositiveLines(t *testing.T) {
	cart := domain.Cart{ID: "c", Lines: map[string]domain.CartLine{
		"neg":  {ProductID: "neg", Quantity: math.MinInt, AddedAt: testNow},
		"zero": {ProductID: "zero", Quantity: 0, AddedAt: testNow.Add(time.Second)},
	}}
	products := map[string]domain.Product{
		"neg":  {ID: "neg", Stock: 5, Active: true},
		"zero": {ID: "zero", Stock: 5, Active: true},
	}
	adjustments := planReconciliation(cart, products)
	if len(adjustments) != 2 {
		t.Fatalf("expected both lines removed, got %+v", adjustments)
	}
	for _, adj := range adjustments {
		if adj.Kind != domain.AdjustmentRemoved || adj.Reason != domain.AdjustmentReasonInvalidQuantity {
			t.Fatalf("unexpected adjustment %+v", adj)
		}
	}
}
