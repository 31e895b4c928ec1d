package memory

import (
	"cmp"
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

// Store keeps the whole ledger in process memory. Every method takes the
// store lock for the duration of the call only, so each call is atomic and
// no lock is ever held across caller I/O.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	transactions    map[string]*domain.Transaction
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		transactions:    make(map[string]*domain.Transaction),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a small demo catalog and the default admin
// and cashier accounts. Passwords come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD when set.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ID: "prod-coffee-beans", Name: "Coffee Beans 250g", SKU: "COF-250", Category: "beverage", Unit: "pack", Price: decimal.RequireFromString("12.50"), Cost: decimal.RequireFromString("7.20"), Stock: 40, MinStock: 10},
		{ID: "prod-green-tea", Name: "Green Tea Bags", SKU: "TEA-GRN", Category: "beverage", Unit: "box", Price: decimal.RequireFromString("4.75"), Cost: decimal.RequireFromString("2.10"), Stock: 60, MinStock: 15},
		{ID: "prod-whole-milk", Name: "Whole Milk 1L", SKU: "MLK-1L", Category: "dairy", Unit: "l", Price: decimal.RequireFromString("1.95"), Cost: decimal.RequireFromString("1.20"), Stock: 24, MinStock: 12},
		{ID: "prod-sourdough", Name: "Sourdough Loaf", SKU: "BRD-SD", Category: "bakery", Unit: "piece", Price: decimal.RequireFromString("5.40"), Cost: decimal.RequireFromString("2.60"), Stock: 12, MinStock: 6},
		{ID: "prod-dark-choc", Name: "Dark Chocolate Bar", SKU: "CHO-DRK", Category: "snack", Unit: "piece", Price: decimal.RequireFromString("3.25"), Cost: decimal.RequireFromString("1.40"), Stock: 4, MinStock: 8},
		{ID: "prod-dish-soap", Name: "Dish Soap 500ml", SKU: "SOP-500", Category: "household", Unit: "ml", Price: decimal.RequireFromString("2.80"), Cost: decimal.RequireFromString("1.30"), Stock: 30, MinStock: 5},
	} {
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	s.usersByUsername = seedUsers()
	return s
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) Close() error { return nil }

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, &store.ProductNotFoundError{ProductID: id}
	}
	return &p, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) ListProducts(_ context.Context, filter domain.ProductFilter, page store.Page) ([]domain.Product, int64, error) {
	s.mu.RLock()
	needle := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if needle != "" &&
			!strings.Contains(strings.ToLower(p.Name), needle) &&
			!strings.Contains(strings.ToLower(p.SKU), needle) &&
			!strings.Contains(strings.ToLower(p.Category), needle) {
			continue
		}
		matched = append(matched, p)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b domain.Product) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return paginate(matched, page), int64(len(matched)), nil
}

func (s *Store) ListLowStock(_ context.Context, threshold int) ([]domain.Product, error) {
	s.mu.RLock()
	out := make([]domain.Product, 0)
	for _, p := range s.products {
		if p.Stock < threshold {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Product) int {
		if c := cmp.Compare(a.Stock, b.Stock); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	if s.skuTakenLocked(product.SKU, product.ID) {
		return nil, store.ErrConflict
	}
	s.products[product.ID] = product
	return &product, nil
}

// UpdateProduct replaces catalog fields but never stock, which only moves
// through AdjustStock.
func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[product.ID]
	if !ok {
		return nil, &store.ProductNotFoundError{ProductID: product.ID}
	}
	if s.skuTakenLocked(product.SKU, product.ID) {
		return nil, store.ErrConflict
	}
	product.Stock = current.Stock
	product.CreatedAt = current.CreatedAt
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return &store.ProductNotFoundError{ProductID: id}
	}
	delete(s.products, id)
	return nil
}

func (s *Store) AdjustStock(_ context.Context, id string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return 0, &store.ProductNotFoundError{ProductID: id}
	}
	next := p.Stock + delta
	if delta < 0 && next < 0 {
		return p.Stock, &store.OutOfStockError{ProductID: id, Name: p.Name, Requested: -delta, Available: p.Stock}
	}
	p.Stock = next
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p
	return next, nil
}

func (s *Store) CountProducts(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.products)), nil
}

func (s *Store) CountLowStock(_ context.Context, threshold int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, p := range s.products {
		if p.Stock < threshold {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactions[tx.ID]; exists {
		return nil, store.ErrConflict
	}
	s.transactions[tx.ID] = cloneTransaction(&tx)
	return s.resolvedLocked(s.transactions[tx.ID]), nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.resolvedLocked(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter, page store.Page) ([]domain.Transaction, int64, error) {
	s.mu.RLock()
	matched := make([]domain.Transaction, 0)
	for _, tx := range s.transactions {
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.PaymentMethod != "" && tx.PaymentMethod != filter.PaymentMethod {
			continue
		}
		if filter.From != nil && tx.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && tx.CreatedAt.After(*filter.To) {
			continue
		}
		matched = append(matched, *s.resolvedLocked(tx))
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	return paginate(matched, page), int64(len(matched)), nil
}

func (s *Store) MarkCancelled(_ context.Context, id string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status == domain.StatusCancelled {
		return nil, store.ErrAlreadyCancelled
	}
	if !domain.CanTransition(tx.Status, domain.StatusCancelled) {
		return nil, store.ErrInvalidTransition
	}
	cancelledAt := at.UTC()
	tx.Status = domain.StatusCancelled
	tx.CancelledAt = &cancelledAt
	tx.UpdatedAt = cancelledAt
	return s.resolvedLocked(tx), nil
}

func (s *Store) RecentTransactions(_ context.Context, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	all := make([]domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		all = append(all, *s.resolvedLocked(tx))
	}
	s.mu.RUnlock()

	sortNewestFirst(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) SalesSummary(_ context.Context, from, to time.Time, completedOnly bool) (domain.SalesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.SalesSummary{Total: decimal.Zero}
	for _, tx := range s.transactions {
		if !inWindow(tx.CreatedAt, from, to) {
			continue
		}
		if completedOnly && tx.Status != domain.StatusCompleted {
			continue
		}
		summary.Count++
		summary.Total = summary.Total.Add(tx.Total)
	}
	return summary, nil
}

func (s *Store) PaymentBreakdown(_ context.Context, from, to time.Time) (map[domain.PaymentMethod]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.PaymentMethod]decimal.Decimal)
	for _, tx := range s.transactions {
		if tx.Status != domain.StatusCompleted || !inWindow(tx.CreatedAt, from, to) {
			continue
		}
		out[tx.PaymentMethod] = out[tx.PaymentMethod].Add(tx.Total)
	}
	return out, nil
}

// MonthlyProfit costs each item at the product's current cost; items whose
// product has been deleted cost nothing.
func (s *Store) MonthlyProfit(_ context.Context, from, to time.Time) ([]domain.MonthlyProfit, error) {
	s.mu.RLock()
	type monthKey struct {
		year  int
		month time.Month
	}
	buckets := make(map[monthKey]*domain.MonthlyProfit)
	for _, tx := range s.transactions {
		if tx.Status != domain.StatusCompleted || !inWindow(tx.CreatedAt, from, to) {
			continue
		}
		at := tx.CreatedAt.UTC()
		key := monthKey{at.Year(), at.Month()}
		bucket, ok := buckets[key]
		if !ok {
			bucket = &domain.MonthlyProfit{Year: key.year, Month: key.month, Revenue: decimal.Zero, Cost: decimal.Zero}
			buckets[key] = bucket
		}
		bucket.Revenue = bucket.Revenue.Add(tx.Total)
		for _, item := range tx.Items {
			if p, ok := s.products[item.ProductID]; ok {
				bucket.Cost = bucket.Cost.Add(domain.LineSubtotal(p.Cost, item.Quantity))
			}
		}
	}
	s.mu.RUnlock()

	out := make([]domain.MonthlyProfit, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b domain.MonthlyProfit) int {
		if c := cmp.Compare(a.Year, b.Year); c != 0 {
			return c
		}
		return cmp.Compare(a.Month, b.Month)
	})
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.NewValidationError("username", "and password are required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) skuTakenLocked(sku, exceptID string) bool {
	for id, p := range s.products {
		if id != exceptID && strings.EqualFold(p.SKU, sku) {
			return true
		}
	}
	return false
}

// resolvedLocked returns a copy of tx with display references for products
// that still exist.
func (s *Store) resolvedLocked(tx *domain.Transaction) *domain.Transaction {
	dup := cloneTransaction(tx)
	for i := range dup.Items {
		if p, ok := s.products[dup.Items[i].ProductID]; ok {
			dup.Items[i].Product = &domain.ProductRef{ID: p.ID, Name: p.Name, SKU: p.SKU}
		} else {
			dup.Items[i].Product = nil
		}
	}
	return dup
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	if src.Discount != nil {
		d := *src.Discount
		dup.Discount = &d
	}
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dup.CancelledAt = &at
	}
	return &dup
}

func sortNewestFirst(txs []domain.Transaction) {
	slices.SortFunc(txs, func(a, b domain.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

func inWindow(at, from, to time.Time) bool {
	return !at.Before(from) && !at.After(to)
}

func paginate[T any](items []T, page store.Page) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return items[page.Offset:end]
}
