// Package repotest holds the behavioural contract every repositories.Registry backend must satisfy.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

// Factory returns a fresh, empty registry for each subtest.
type Factory func(t *testing.T) repositories.Registry

var baseTime = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

// RunRegistryContract exercises the shared repository semantics against the registry built by newRegistry.
func RunRegistryContract(t *testing.T, newRegistry Factory) {
	t.Helper()

	t.Run("products", func(t *testing.T) { testProducts(t, newRegistry(t)) })
	t.Run("decrement is all or nothing", func(t *testing.T) { testDecrementAllOrNothing(t, newRegistry(t)) })
	t.Run("cart lines are unique per product", func(t *testing.T) { testCartLines(t, newRegistry(t)) })
	t.Run("transaction rollback", func(t *testing.T) { testTxRollback(t, newRegistry(t)) })
	t.Run("orders", func(t *testing.T) { testOrders(t, newRegistry(t)) })
	t.Run("addresses", func(t *testing.T) { testAddresses(t, newRegistry(t)) })
	t.Run("stale session carts", func(t *testing.T) { testStaleCarts(t, newRegistry(t)) })
}

func seedProduct(t *testing.T, reg repositories.Registry, id string, stock int) domain.Product {
	t.Helper()
	product, err := reg.Products().Upsert(context.Background(), domain.Product{
		ID:        id,
		Code:      "SKU-" + id,
		Name:      "Product " + id,
		Price:     1000,
		Currency:  "JPY",
		Stock:     stock,
		Active:    true,
		UpdatedAt: baseTime,
	})
	require.NoError(t, err)
	return product
}

func seedCart(t *testing.T, reg repositories.Registry, id string, owner domain.CartOwner, at time.Time) domain.Cart {
	t.Helper()
	cart, err := reg.Carts().Create(context.Background(), domain.Cart{ID: id, Owner: owner, CreatedAt: at, UpdatedAt: at})
	require.NoError(t, err)
	return cart
}

func testProducts(t *testing.T, reg repositories.Registry) {
	ctx := context.Background()
	sale := int64(800)
	_, err := reg.Products().Upsert(ctx, domain.Product{
		ID: "p-1", Code: "TEA-1", Name: "Sencha", Price: 1000, SalePrice: &sale, Currency: "JPY", Stock: 4, Active: true, UpdatedAt: baseTime,
	})
	require.NoError(t, err)
	seedProduct(t, reg, "p-2", 0)

	got, err := reg.Products().Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Sencha", got.Name)
	require.NotNil(t, got.SalePrice)
	assert.Equal(t, int64(800), *got.SalePrice)
	assert.True(t, got.Active)

	stock, err := reg.Products().GetStock(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 4, stock)

	many, err := reg.Products().GetMany(ctx, []string{"p-1", "p-2", "missing"})
	require.NoError(t, err)
	assert.Len(t, many, 2)
	assert.NotContains(t, many, "missing")

	_, err = reg.Products().Get(ctx, "missing")
	assert.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)
}

func testDecrementAllOrNothing(t *testing.T, reg repositories.Registry) {
	ctx := context.Background()
	seedProduct(t, reg, "p-1", 5)
	seedProduct(t, reg, "p-2", 1)

	err := reg.Products().DecrementStock(ctx, []domain.StockDecrement{
		{ProductID: "p-1", Quantity: 2},
		{ProductID: "p-2", Quantity: 2},
	})
	require.Error(t, err)
	stockErrs := repositories.AsStockErrors(err)
	require.Len(t, stockErrs, 1)
	assert.Equal(t, repositories.StockErrorInsufficient, stockErrs[0].Code)
	assert.Equal(t, "p-2", stockErrs[0].ProductID)
	assert.Equal(t, 2, stockErrs[0].Requested)
	assert.Equal(t, 1, stockErrs[0].Available)

	stock, err := reg.Products().GetStock(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 5, stock, "failed batch must not decrement any product")

	require.NoError(t, reg.Products().DecrementStock(ctx, []domain.StockDecrement{
		{ProductID: "p-1", Quantity: 2},
		{ProductID: "p-2", Quantity: 1},
	}))
	stock, _ = reg.Products().GetStock(ctx, "p-1")
	assert.Equal(t, 3, stock)
	stock, _ = reg.Products().GetStock(ctx, "p-2")
	assert.Equal(t, 0, stock)
}

func testCartLines(t *testing.T, reg repositories.Registry) {
	ctx := context.Background()
	owner := domain.UserOwner("u-1")
	cart := seedCart(t, reg, "cart-1", owner, baseTime)

	_, err := reg.Carts().Create(ctx, domain.Cart{ID: "cart-2", Owner: owner, CreatedAt: baseTime, UpdatedAt: baseTime})
	assert.True(t, repositories.IsConflict(err), "second cart for owner must conflict, got %v", err)

	line := domain.CartLine{CartID: cart.ID, ProductID: "p-1", Quantity: 2, AddedAt: baseTime, UpdatedAt: baseTime}
	require.NoError(t, reg.Carts().InsertLine(ctx, line))
	err = reg.Carts().InsertLine(ctx, line)
	assert.True(t, repositories.IsConflict(err), "duplicate line must conflict, got %v", err)

	line.Quantity = 3
	line.UpdatedAt = baseTime.Add(time.Minute)
	require.NoError(t, reg.Carts().UpdateLine(ctx, line))

	err = reg.Carts().UpdateLine(ctx, domain.CartLine{CartID: cart.ID, ProductID: "p-9", Quantity: 1, UpdatedAt: baseTime})
	assert.True(t, repositories.IsNotFound(err), "missing line update must be not found, got %v", err)

	found, err := reg.Carts().FindByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, found.ID)
	require.Contains(t, found.Lines, "p-1")
	assert.Equal(t, 3, found.Lines["p-1"].Quantity)
	assert.True(t, found.Lines["p-1"].AddedAt.Equal(baseTime))

	err = reg.Carts().DeleteLine(ctx, cart.ID, "p-9", baseTime.Add(2*time.Minute))
	assert.True(t, repositories.IsNotFound(err), "missing line delete must be not found, got %v", err)
	removedAt := baseTime.Add(3 * time.Minute)
	require.NoError(t, reg.Carts().DeleteLine(ctx, cart.ID, "p-1", removedAt))

	found, err = reg.Carts().FindByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, found.Lines)
	assert.True(t, found.UpdatedAt.Equal(removedAt), "line removal must touch the cart, got %v", found.UpdatedAt)

	require.NoError(t, reg.Carts().InsertLine(ctx, domain.CartLine{CartID: cart.ID, ProductID: "p-2", Quantity: 1, AddedAt: removedAt, UpdatedAt: removedAt}))
	clearedAt := baseTime.Add(4 * time.Minute)
	require.NoError(t, reg.Carts().DeleteLines(ctx, cart.ID, []string{"p-2"}, clearedAt))
	found, err = reg.Carts().FindByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, found.Lines)
	assert.True(t, found.UpdatedAt.Equal(clearedAt), "bulk removal must touch the cart, got %v", found.UpdatedAt)

	_, err = reg.Carts().FindByOwner(ctx, domain.SessionOwner("nobody"))
	assert.True(t, repositories.IsNotFound(err))
}

func testTxRollback(t *testing.T, reg repositories.Registry) {
	ctx := context.Background()
	seedProduct(t, reg, "p-1", 3)
	owner := domain.UserOwner("u-1")
	cart := seedCart(t, reg, "cart-1", owner, baseTime)
	require.NoError(t, reg.Carts().InsertLine(ctx, domain.CartLine{CartID: cart.ID, ProductID: "p-1", Quantity: 1, AddedAt: baseTime, UpdatedAt: baseTime}))

	boom := errors.New("boom")
	err := reg.RunInTx(ctx, func(ctx context.Context) error {
		if err := reg.Products().DecrementStock(ctx, []domain.StockDecrement{{ProductID: "p-1", Quantity: 1}}); err != nil {
			return err
		}
		if err := reg.Orders().Insert(ctx, sampleOrder("ord-1", owner, baseTime)); err != nil {
			return err
		}
		if err := reg.Carts().DeleteLines(ctx, cart.ID, []string{"p-1"}, baseTime.Add(time.Minute)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	stock, err := reg.Products().GetStock(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stock)
	_, err = reg.Orders().FindByID(ctx, "ord-1")
	assert.True(t, repositories.IsNotFound(err), "rolled back order must not exist, got %v", err)
	found, err := reg.Carts().FindByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Contains(t, found.Lines, "p-1")
}

func sampleOrder(id string, owner domain.CartOwner, at time.Time) domain.Order {
	lines := []domain.OrderLine{
		domain.OrderLineFromProduct(domain.Product{ID: "p-1", Code: "SKU-p-1", Name: "Product p-1", Price: 1000}, 2),
	}
	return domain.Order{
		ID:              id,
		Owner:           owner,
		Status:          domain.OrderStatusPendingPayment,
		Currency:        "JPY",
		Lines:           lines,
		Totals:          domain.OrderTotals{Subtotal: 2000, Shipping: 500, Total: 2500, ItemCount: 2},
		ShippingAddress: domain.AddressSnapshot{Recipient: "Ana", Line1: "1-2-3", City: "Tokyo", Country: "JP"},
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func testOrders(t *testing.T, reg repositories.Registry) {
	ctx := context.Background()
	seedProduct(t, reg, "p-1", 10)
	owner := domain.UserOwner("u-1")
	for i := 0; i < 5; i++ {
		require.NoError(t, reg.Orders().Insert(ctx, sampleOrder(fmt.Sprintf("ord-%d", i), owner, baseTime.Add(time.Duration(i)*time.Hour))))
	}
	require.NoError(t, reg.Orders().Insert(ctx, sampleOrder("ord-other", domain.UserOwner("u-2"), baseTime)))

	got, err := reg.Orders().FindByID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got.Totals.Total)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "Product p-1", got.Lines[0].Name)
	assert.Equal(t, "Tokyo", got.ShippingAddress.City)

	first, err := reg.Orders().ListByOwner(ctx, owner, domain.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "ord-4", first.Items[0].ID)
	assert.Equal(t, "ord-3", first.Items[1].ID)
	require.NotEmpty(t, first.NextPageToken)

	var ids []string
	token := first.NextPageToken
	for token != "" {
		page, err := reg.Orders().ListByOwner(ctx, owner, domain.Pagination{PageSize: 2, PageToken: token})
		require.NoError(t, err)
		for _, order := range page.Items {
			ids = append(ids, order.ID)
		}
		token = page.NextPageToken
	}
	assert.Equal(t, []string{"ord-2", "ord-1", "ord-0"}, ids)

	ref := "txn_123"
	paid, err := reg.Orders().UpdateStatus(ctx, repositories.OrderStatusUpdate{
		OrderID: "ord-1", From: domain.OrderStatusPendingPayment, To: domain.OrderStatusPaid, TransactionRef: &ref, At: baseTime.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, paid.Status)
	assert.Equal(t, "txn_123", paid.TransactionRef)
	require.NotNil(t, paid.PaidAt)

	_, err = reg.Orders().UpdateStatus(ctx, repositories.OrderStatusUpdate{
		OrderID: "ord-1", From: domain.OrderStatusPendingPayment, To: domain.OrderStatusCancelled, At: baseTime,
	})
	assert.True(t, repositories.IsConflict(err), "stale transition must conflict, got %v", err)

	reloaded, err := reg.Orders().FindByID(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, reloaded.Status)
	assert.Equal(t, int64(1000), reloaded.Lines[0].UnitPrice)
}

func testAddresses(t *testing.T, reg repositories.Registry) {
	ctx := context.Background()
	owner := domain.UserOwner("u-1")
	_, err := reg.Addresses().Upsert(ctx, domain.Address{ID: "a-1", Owner: owner, Recipient: "Ana", City: "Osaka", IsDefault: true})
	require.NoError(t, err)
	_, err = reg.Addresses().Upsert(ctx, domain.Address{ID: "a-2", Owner: owner, Recipient: "Ana", City: "Kyoto", IsDefault: true})
	require.NoError(t, err)

	def, err := reg.Addresses().Default(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, "a-2", def.ID)

	list, err := reg.Addresses().List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-2", list[0].ID)
	assert.False(t, list[1].IsDefault)

	_, err = reg.Addresses().Get(ctx, domain.UserOwner("u-2"), "a-1")
	assert.True(t, repositories.IsNotFound(err), "foreign address must be not found, got %v", err)
}

func testStaleCarts(t *testing.T, reg repositories.Registry) {
	ctx := context.Background()
	seedCart(t, reg, "cart-old", domain.SessionOwner("s-old"), baseTime)
	seedCart(t, reg, "cart-new", domain.SessionOwner("s-new"), baseTime.Add(48*time.Hour))
	seedCart(t, reg, "cart-user", domain.UserOwner("u-1"), baseTime)

	stale, err := reg.Carts().ListStaleSessionCarts(ctx, baseTime.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "cart-old", stale[0].ID)

	require.NoError(t, reg.Carts().Delete(ctx, "cart-old"))
	_, err = reg.Carts().FindByOwner(ctx, domain.SessionOwner("s-old"))
	assert.True(t, repositories.IsNotFound(err))
}
