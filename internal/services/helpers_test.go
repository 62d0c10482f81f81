package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
	"github.com/hanko-field/storefront/internal/repositories/memory"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testNow} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func seqIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

type recordedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) log(_ context.Context, name string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: name, fields: fields})
}

func (r *eventRecorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == name {
			return true
		}
	}
	return false
}

type testEnv struct {
	store    *memory.Store
	clock    *testClock
	logs     *eventRecorder
	cart     CartService
	checkout CheckoutService
	orders   OrderService
}

type envOption func(*CartServiceDeps, *CheckoutServiceDeps)

func withStrictQuantity() envOption {
	return func(c *CartServiceDeps, _ *CheckoutServiceDeps) { c.StrictQuantity = true }
}

func withHooks(hooks ...CheckoutHook) envOption {
	return func(_ *CartServiceDeps, c *CheckoutServiceDeps) { c.Hooks = hooks }
}

func withUnitOfWork(uow repositories.UnitOfWork) envOption {
	return func(_ *CartServiceDeps, c *CheckoutServiceDeps) { c.UnitOfWork = uow }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))
	logs := &eventRecorder{}

	cartDeps := CartServiceDeps{
		Carts:       store.Carts(),
		Products:    store.Products(),
		UnitOfWork:  store,
		Clock:       clock.Now,
		Currency:    "JPY",
		Logger:      logs.log,
		IDGenerator: seqIDs("cart"),
	}
	checkoutDeps := CheckoutServiceDeps{
		Carts:        store.Carts(),
		Products:     store.Products(),
		Orders:       store.Orders(),
		Addresses:    store.Addresses(),
		UnitOfWork:   store,
		Clock:        clock.Now,
		Logger:       logs.log,
		IDGenerator:  seqIDs("ord"),
		Currency:     "JPY",
		ShippingCost: 500,
	}
	for _, opt := range opts {
		opt(&cartDeps, &checkoutDeps)
	}

	cartSvc, err := NewCartService(cartDeps)
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}
	checkoutSvc, err := NewCheckoutService(checkoutDeps)
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	orderSvc, err := NewOrderService(OrderServiceDeps{Orders: store.Orders(), Clock: clock.Now, Logger: logs.log})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return &testEnv{store: store, clock: clock, logs: logs, cart: cartSvc, checkout: checkoutSvc, orders: orderSvc}
}

func (e *testEnv) seedProduct(t *testing.T, id string, price int64, stock int) domain.Product {
	t.Helper()
	product, err := e.store.Products().Upsert(context.Background(), domain.Product{
		ID:       id,
		Code:     "SKU-" + id,
		Name:     "Product " + id,
		Price:    price,
		Currency: "JPY",
		Stock:    stock,
		Active:   true,
	})
	if err != nil {
		t.Fatalf("seed product %s: %v", id, err)
	}
	return product
}

func (e *testEnv) updateProduct(t *testing.T, id string, mutate func(*domain.Product)) {
	t.Helper()
	ctx := context.Background()
	product, err := e.store.Products().Get(ctx, id)
	if err != nil {
		t.Fatalf("get product %s: %v", id, err)
	}
	mutate(&product)
	if _, err := e.store.Products().Upsert(ctx, product); err != nil {
		t.Fatalf("update product %s: %v", id, err)
	}
}

func (e *testEnv) seedAddress(t *testing.T, owner domain.CartOwner, id string, isDefault bool) {
	t.Helper()
	_, err := e.store.Addresses().Upsert(context.Background(), domain.Address{
		ID:         id,
		Owner:      owner,
		Recipient:  "Hanako Yamada",
		Line1:      "1-2-3 Marunouchi",
		City:       "Chiyoda",
		Region:     "Tokyo",
		PostalCode: "100-0005",
		Country:    "jp",
		IsDefault:  isDefault,
	})
	if err != nil {
		t.Fatalf("seed address %s: %v", id, err)
	}
}

func (e *testEnv) add(t *testing.T, owner domain.CartOwner, productID string, qty string) CartLineResult {
	t.Helper()
	res, err := e.cart.AddOrIncrement(context.Background(), AddToCartCommand{Owner: owner, ProductID: productID, Quantity: qty})
	if err != nil {
		t.Fatalf("add %s x%s: %v", productID, qty, err)
	}
	return res
}

func (e *testEnv) stock(t *testing.T, productID string) int {
	t.Helper()
	stock, err := e.store.Products().GetStock(context.Background(), productID)
	if err != nil {
		t.Fatalf("get stock %s: %v", productID, err)
	}
	return stock
}

func (e *testEnv) lines(t *testing.T, owner domain.CartOwner) map[string]domain.CartLine {
	t.Helper()
	cart, err := e.store.Carts().FindByOwner(context.Background(), owner)
	if err != nil {
		if repositories.IsNotFound(err) {
			return map[string]domain.CartLine{}
		}
		t.Fatalf("find cart: %v", err)
	}
	return cart.Lines
}
