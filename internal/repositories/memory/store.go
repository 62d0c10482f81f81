// Package memory implements the repository registry in process. It backs tests and local runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/pagination"
	"github.com/hanko-field/storefront/internal/repositories"
)

type txKey struct{}

// Store keeps every entity in maps guarded by a single mutex. RunInTx holds the mutex for the whole callback and
// restores the previous state when the callback fails.
type Store struct {
	mu        sync.Mutex
	products  map[string]domain.Product
	carts     map[string]domain.Cart
	owners    map[string]string
	orders    map[string]domain.Order
	addresses map[string]domain.Address
	now       func() time.Time
	closed    bool
}

// Option customises the store.
type Option func(*Store)

// WithClock overrides the clock used to stamp records.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		products:  make(map[string]domain.Product),
		carts:     make(map[string]domain.Cart),
		owners:    make(map[string]string),
		orders:    make(map[string]domain.Order),
		addresses: make(map[string]domain.Address),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Products() repositories.ProductRepository   { return productRepo{s} }
func (s *Store) Carts() repositories.CartRepository         { return cartRepo{s} }
func (s *Store) Orders() repositories.OrderRepository       { return orderRepo{s} }
func (s *Store) Addresses() repositories.AddressRepository { return addressRepo{s} }

// Health reports the store as always ready.
func (s *Store) Health() repositories.HealthRepository {
	repo, _ := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}})
	return repo
}

// Close marks the store closed; later calls report unavailable.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// RunInTx executes fn with exclusive access to the store. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return repositories.NewUnavailableError("memory.tx", errors.New("store closed"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, ok := ctx.Value(txKey{}).(*Store)
	return ok && owner == s
}

// lock acquires the store mutex unless ctx already belongs to a running transaction.
func (s *Store) lock(ctx context.Context) (func(), error) {
	if s.inTx(ctx) {
		return func() {}, nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, repositories.NewUnavailableError("memory", errors.New("store closed"))
	}
	return s.mu.Unlock, nil
}

type snapshot struct {
	products  map[string]domain.Product
	carts     map[string]domain.Cart
	owners    map[string]string
	orders    map[string]domain.Order
	addresses map[string]domain.Address
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		products:  make(map[string]domain.Product, len(s.products)),
		carts:     make(map[string]domain.Cart, len(s.carts)),
		owners:    make(map[string]string, len(s.owners)),
		orders:    make(map[string]domain.Order, len(s.orders)),
		addresses: make(map[string]domain.Address, len(s.addresses)),
	}
	for k, v := range s.products {
		snap.products[k] = v
	}
	for k, v := range s.carts {
		snap.carts[k] = cloneCart(v)
	}
	for k, v := range s.owners {
		snap.owners[k] = v
	}
	for k, v := range s.orders {
		snap.orders[k] = v
	}
	for k, v := range s.addresses {
		snap.addresses[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.products = snap.products
	s.carts = snap.carts
	s.owners = snap.owners
	s.orders = snap.orders
	s.addresses = snap.addresses
}

func cloneCart(cart domain.Cart) domain.Cart {
	lines := make(map[string]domain.CartLine, len(cart.Lines))
	for k, v := range cart.Lines {
		lines[k] = v
	}
	cart.Lines = lines
	return cart
}

func cloneOrder(order domain.Order) domain.Order {
	order.Lines = append([]domain.OrderLine(nil), order.Lines...)
	return order
}

type productRepo struct{ s *Store }

func (r productRepo) Get(ctx context.Context, productID string) (domain.Product, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	defer unlock()
	product, ok := r.s.products[productID]
	if !ok {
		return domain.Product{}, repositories.NewNotFoundError("memory.products.get", "product %s not found", productID)
	}
	return product, nil
}

func (r productRepo) GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := r.s.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func (r productRepo) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if strings.TrimSpace(product.ID) == "" {
		return domain.Product{}, repositories.WrapStoreError("memory.products.upsert", errors.New("product id is required"))
	}
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	defer unlock()
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = r.s.now().UTC()
	}
	r.s.products[product.ID] = product
	return product, nil
}

func (r productRepo) GetStock(ctx context.Context, productID string) (int, error) {
	product, err := r.Get(ctx, productID)
	if err != nil {
		return 0, err
	}
	return product.Stock, nil
}

func (r productRepo) DecrementStock(ctx context.Context, items []domain.StockDecrement) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	const op = "memory.products.decrement_stock"
	requested := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return repositories.WrapStoreError(op, fmt.Errorf("invalid quantity %d for %s", item.Quantity, item.ProductID))
		}
		if _, seen := requested[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		requested[item.ProductID] += item.Quantity
	}

	var shortfalls []error
	for _, id := range order {
		product, ok := r.s.products[id]
		if !ok {
			return &repositories.StockError{Op: op, Code: repositories.StockErrorProductNotFound, ProductID: id, Requested: requested[id]}
		}
		if product.Stock < requested[id] {
			shortfalls = append(shortfalls, repositories.NewInsufficientStockError(op, id, requested[id], product.Stock))
		}
	}
	if len(shortfalls) > 0 {
		return errors.Join(shortfalls...)
	}

	now := r.s.now().UTC()
	for _, id := range order {
		product := r.s.products[id]
		product.Stock -= requested[id]
		product.UpdatedAt = now
		r.s.products[id] = product
	}
	return nil
}

type cartRepo struct{ s *Store }

func (r cartRepo) FindByOwner(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.Cart{}, err
	}
	defer unlock()
	cartID, ok := r.s.owners[owner.Key()]
	if !ok {
		return domain.Cart{}, repositories.NewNotFoundError("memory.carts.find", "no cart for %s", owner.Key())
	}
	return cloneCart(r.s.carts[cartID]), nil
}

func (r cartRepo) Create(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.Cart{}, err
	}
	defer unlock()
	key := cart.Owner.Key()
	if _, exists := r.s.owners[key]; exists {
		return domain.Cart{}, repositories.NewConflictError("memory.carts.create", fmt.Errorf("owner %s already has a cart", key))
	}
	if _, exists := r.s.carts[cart.ID]; exists {
		return domain.Cart{}, repositories.NewConflictError("memory.carts.create", fmt.Errorf("cart %s exists", cart.ID))
	}
	if cart.Lines == nil {
		cart.Lines = map[string]domain.CartLine{}
	}
	r.s.carts[cart.ID] = cloneCart(cart)
	r.s.owners[key] = cart.ID
	return cloneCart(cart), nil
}

func (r cartRepo) InsertLine(ctx context.Context, line domain.CartLine) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	cart, ok := r.s.carts[line.CartID]
	if !ok {
		return repositories.NewNotFoundError("memory.carts.insert_line", "cart %s not found", line.CartID)
	}
	if _, exists := cart.Lines[line.ProductID]; exists {
		return repositories.NewConflictError("memory.carts.insert_line", fmt.Errorf("line %s/%s exists", line.CartID, line.ProductID))
	}
	cart.Lines[line.ProductID] = line
	cart.UpdatedAt = line.UpdatedAt
	r.s.carts[cart.ID] = cart
	return nil
}

func (r cartRepo) UpdateLine(ctx context.Context, line domain.CartLine) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	cart, ok := r.s.carts[line.CartID]
	if !ok {
		return repositories.NewNotFoundError("memory.carts.update_line", "cart %s not found", line.CartID)
	}
	existing, ok := cart.Lines[line.ProductID]
	if !ok {
		return repositories.NewNotFoundError("memory.carts.update_line", "line %s/%s not found", line.CartID, line.ProductID)
	}
	existing.Quantity = line.Quantity
	existing.UpdatedAt = line.UpdatedAt
	cart.Lines[line.ProductID] = existing
	cart.UpdatedAt = line.UpdatedAt
	r.s.carts[cart.ID] = cart
	return nil
}

func (r cartRepo) DeleteLine(ctx context.Context, cartID, productID string, at time.Time) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	cart, ok := r.s.carts[cartID]
	if !ok {
		return repositories.NewNotFoundError("memory.carts.delete_line", "cart %s not found", cartID)
	}
	if _, ok := cart.Lines[productID]; !ok {
		return repositories.NewNotFoundError("memory.carts.delete_line", "line %s/%s not found", cartID, productID)
	}
	delete(cart.Lines, productID)
	cart.UpdatedAt = at
	r.s.carts[cart.ID] = cart
	return nil
}

func (r cartRepo) DeleteLines(ctx context.Context, cartID string, productIDs []string, at time.Time) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	cart, ok := r.s.carts[cartID]
	if !ok {
		return repositories.NewNotFoundError("memory.carts.delete_lines", "cart %s not found", cartID)
	}
	for _, id := range productIDs {
		delete(cart.Lines, id)
	}
	if len(productIDs) > 0 {
		cart.UpdatedAt = at
		r.s.carts[cart.ID] = cart
	}
	return nil
}

func (r cartRepo) ListStaleSessionCarts(ctx context.Context, before time.Time, limit int) ([]domain.Cart, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []domain.Cart
	for _, cart := range r.s.carts {
		if cart.Owner.IsAnonymous() && cart.UpdatedAt.Before(before) {
			out = append(out, cloneCart(cart))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r cartRepo) Delete(ctx context.Context, cartID string) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	cart, ok := r.s.carts[cartID]
	if !ok {
		return repositories.NewNotFoundError("memory.carts.delete", "cart %s not found", cartID)
	}
	delete(r.s.owners, cart.Owner.Key())
	delete(r.s.carts, cartID)
	return nil
}

type orderRepo struct{ s *Store }

func (r orderRepo) Insert(ctx context.Context, order domain.Order) error {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, exists := r.s.orders[order.ID]; exists {
		return repositories.NewConflictError("memory.orders.insert", fmt.Errorf("order %s exists", order.ID))
	}
	r.s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	defer unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("memory.orders.get", "order %s not found", orderID)
	}
	return cloneOrder(order), nil
}

func (r orderRepo) ListByOwner(ctx context.Context, owner domain.CartOwner, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	afterTime, afterID, hasCursor, err := pagination.DecodeTimeCursor(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.WrapStoreError("memory.orders.list", err)
	}
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	defer unlock()

	var matched []domain.Order
	for _, order := range r.s.orders {
		if order.Owner.Key() == owner.Key() {
			matched = append(matched, order)
		}
	}
	sortOrdersNewestFirst(matched)

	size := pagination.ClampPageSize(pager.PageSize)
	page := domain.CursorPage[domain.Order]{}
	for _, order := range matched {
		if hasCursor && !olderThan(order, afterTime, afterID) {
			continue
		}
		if len(page.Items) == size {
			last := page.Items[len(page.Items)-1]
			token, err := pagination.EncodeTimeCursor(last.CreatedAt, last.ID)
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, cloneOrder(order))
	}
	return page, nil
}

func (r orderRepo) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	defer unlock()
	order, ok := r.s.orders[update.OrderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("memory.orders.update_status", "order %s not found", update.OrderID)
	}
	if order.Status != update.From {
		return domain.Order{}, repositories.NewConflictError("memory.orders.update_status",
			fmt.Errorf("order %s is %s, expected %s", order.ID, order.Status, update.From))
	}
	order = update.ApplyTo(order)
	r.s.orders[order.ID] = order
	return cloneOrder(order), nil
}

func sortOrdersNewestFirst(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

// olderThan reports whether order sorts after the (createdAt, id) cursor in newest-first order.
func olderThan(order domain.Order, createdAt time.Time, id string) bool {
	if order.CreatedAt.Equal(createdAt) {
		return order.ID < id
	}
	return order.CreatedAt.Before(createdAt)
}

type addressRepo struct{ s *Store }

func (r addressRepo) Get(ctx context.Context, owner domain.CartOwner, addressID string) (domain.Address, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.Address{}, err
	}
	defer unlock()
	address, ok := r.s.addresses[addressID]
	if !ok || address.Owner.Key() != owner.Key() {
		return domain.Address{}, repositories.NewNotFoundError("memory.addresses.get", "address %s not found", addressID)
	}
	return address, nil
}

func (r addressRepo) Default(ctx context.Context, owner domain.CartOwner) (domain.Address, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.Address{}, err
	}
	defer unlock()
	for _, address := range r.s.addresses {
		if address.Owner.Key() == owner.Key() && address.IsDefault {
			return address, nil
		}
	}
	return domain.Address{}, repositories.NewNotFoundError("memory.addresses.default", "no default address for %s", owner.Key())
}

func (r addressRepo) List(ctx context.Context, owner domain.CartOwner) ([]domain.Address, error) {
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []domain.Address
	for _, address := range r.s.addresses {
		if address.Owner.Key() == owner.Key() {
			out = append(out, address)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r addressRepo) Upsert(ctx context.Context, address domain.Address) (domain.Address, error) {
	if strings.TrimSpace(address.ID) == "" {
		return domain.Address{}, repositories.WrapStoreError("memory.addresses.upsert", errors.New("address id is required"))
	}
	unlock, err := r.s.lock(ctx)
	if err != nil {
		return domain.Address{}, err
	}
	defer unlock()
	now := r.s.now().UTC()
	if existing, ok := r.s.addresses[address.ID]; ok {
		if existing.Owner.Key() != address.Owner.Key() {
			return domain.Address{}, repositories.NewNotFoundError("memory.addresses.upsert", "address %s not found", address.ID)
		}
		address.CreatedAt = existing.CreatedAt
	} else if address.CreatedAt.IsZero() {
		address.CreatedAt = now
	}
	address.UpdatedAt = now
	if address.IsDefault {
		for id, other := range r.s.addresses {
			if other.Owner.Key() == address.Owner.Key() && other.IsDefault && id != address.ID {
				other.IsDefault = false
				r.s.addresses[id] = other
			}
		}
	}
	r.s.addresses[address.ID] = address
	return address, nil
}
