package reporting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

var testNow = time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

type mapCache struct {
	mu    sync.Mutex
	items map[string]*domain.DashboardSnapshot
	gens  map[string]int64
	sets  int
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.DashboardSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok, nil
}

func (c *mapCache) Generation(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key], nil
}

func (c *mapCache) Set(_ context.Context, key string, generation int64, value *domain.DashboardSnapshot, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != generation {
		return false, nil
	}
	if c.items == nil {
		c.items = map[string]*domain.DashboardSnapshot{}
	}
	c.items[key] = value
	c.sets++
	return true, nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens == nil {
		c.gens = map[string]int64{}
	}
	for _, k := range keys {
		delete(c.items, k)
		c.gens[k]++
	}
	return nil
}

// invalidatingProducts simulates a sale committing while the dashboard
// queries are in flight.
type invalidatingProducts struct {
	*memory.Store
	cache cache.DashboardCache
	key   string
}

func (p invalidatingProducts) CountProducts(ctx context.Context) (int64, error) {
	if err := p.cache.Delete(ctx, p.key); err != nil {
		return 0, err
	}
	return p.Store.CountProducts(ctx)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedProduct(t *testing.T, s *memory.Store, id, name, cost string, stock int) {
	t.Helper()
	_, err := s.CreateProduct(context.Background(), domain.Product{
		ID: id, Name: name, SKU: "SKU-" + id, Price: dec("10"), Cost: dec(cost), Stock: stock,
	})
	require.NoError(t, err)
}

func seedSale(t *testing.T, s *memory.Store, id string, at time.Time, status domain.Status, method domain.PaymentMethod, total string, items ...domain.TransactionItem) {
	t.Helper()
	_, err := s.CreateTransaction(context.Background(), domain.Transaction{
		ID:            id,
		Items:         items,
		Subtotal:      dec(total),
		Total:         dec(total),
		PaymentMethod: method,
		Status:        status,
		CreatedAt:     at,
		UpdatedAt:     at,
	})
	require.NoError(t, err)
}

func item(productID string, qty int) domain.TransactionItem {
	return domain.TransactionItem{ProductID: productID, Quantity: qty, Price: dec("10"), Subtotal: dec("10").Mul(decimal.NewFromInt(int64(qty)))}
}

// ledgerFixture: January has one completed sale, March one completed sale of
// a since-deleted product plus one cancelled sale.
func ledgerFixture(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	seedProduct(t, s, "a", "Arabica", "3", 10)
	seedProduct(t, s, "b", "Brioche", "1", 2)
	seedProduct(t, s, "gone", "Seasonal", "4", 8)

	seedSale(t, s, "txn-jan", time.Date(2026, time.January, 20, 9, 0, 0, 0, time.UTC), domain.StatusCompleted, domain.PaymentCash, "40", item("a", 2), item("b", 2))
	seedSale(t, s, "txn-mar", time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC), domain.StatusCompleted, domain.PaymentCard, "10", item("gone", 1), item("a", 0))
	seedSale(t, s, "txn-void", time.Date(2026, time.March, 2, 8, 30, 0, 0, time.UTC), domain.StatusCancelled, domain.PaymentGCash, "20", item("b", 2))
	require.NoError(t, s.DeleteProduct(context.Background(), "gone"))
	return s
}

func TestDashboardSnapshot(t *testing.T) {
	s := ledgerFixture(t)
	engine := NewEngine(s, s, nil, time.Minute, zap.NewNop())

	snap, err := engine.DashboardSnapshot(context.Background(), testNow)
	require.NoError(t, err)

	assert.Equal(t, "2026-03", snap.Month)
	assert.EqualValues(t, 2, snap.TotalProducts)
	assert.EqualValues(t, 1, snap.LowStockItems)
	assert.EqualValues(t, 2, snap.TotalTransactions)
	assert.True(t, snap.TotalSales.Equal(dec("30")), "sales %s", snap.TotalSales)

	require.Len(t, snap.ProfitSeries, 6)
	months := make([]string, 0, 6)
	for _, p := range snap.ProfitSeries {
		months = append(months, p.Month)
	}
	assert.Equal(t, []string{"2025-10", "2025-11", "2025-12", "2026-01", "2026-02", "2026-03"}, months)
	// January: 40 revenue minus (2*3 + 2*1) cost. March: deleted product costs nothing.
	assert.True(t, snap.ProfitSeries[3].Profit.Equal(dec("32")), "jan %s", snap.ProfitSeries[3].Profit)
	assert.True(t, snap.ProfitSeries[4].Profit.IsZero())
	assert.True(t, snap.ProfitSeries[5].Profit.Equal(dec("10")), "mar %s", snap.ProfitSeries[5].Profit)

	require.Len(t, snap.RecentActivity, 3)
	assert.Equal(t, domain.Activity{Action: "Sale", Item: "2 items", Amount: "$10.00", Time: "Mar 15, 2026 10:00 AM"}, snap.RecentActivity[0])
	assert.Equal(t, "Brioche", snap.RecentActivity[1].Item)
	assert.Equal(t, "Arabica +1 more", snap.RecentActivity[2].Item)
	assert.Equal(t, "$40.00", snap.RecentActivity[2].Amount)
}

func TestDashboardSnapshotServedFromCache(t *testing.T) {
	s := ledgerFixture(t)
	dashboard := &mapCache{}
	engine := NewEngine(s, s, dashboard, time.Minute, zap.NewNop())

	first, err := engine.DashboardSnapshot(context.Background(), testNow)
	require.NoError(t, err)
	seedSale(t, s, "txn-late", testNow, domain.StatusCompleted, domain.PaymentCash, "99", item("a", 1))

	second, err := engine.DashboardSnapshot(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, first.TotalTransactions, second.TotalTransactions)
	assert.Equal(t, 1, dashboard.sets)
}

func TestDashboardSnapshotNotCachedWhenInvalidatedMidRead(t *testing.T) {
	s := ledgerFixture(t)
	dashboard := &mapCache{}
	products := invalidatingProducts{Store: s, cache: dashboard, key: cache.DashboardKey(testNow)}
	engine := NewEngine(products, s, dashboard, time.Minute, zap.NewNop())

	_, err := engine.DashboardSnapshot(context.Background(), testNow)
	require.NoError(t, err)

	_, ok, _ := dashboard.Get(context.Background(), cache.DashboardKey(testNow))
	assert.False(t, ok)
	assert.Equal(t, 0, dashboard.sets)

	plain := NewEngine(s, s, dashboard, time.Minute, zap.NewNop())
	_, err = plain.DashboardSnapshot(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, dashboard.sets)
}

func TestDashboardSnapshotEmptyLedger(t *testing.T) {
	s := memory.New()
	engine := NewEngine(s, s, nil, 0, nil)

	snap, err := engine.DashboardSnapshot(context.Background(), testNow)
	require.NoError(t, err)

	assert.Zero(t, snap.TotalTransactions)
	assert.True(t, snap.TotalSales.IsZero())
	assert.Len(t, snap.ProfitSeries, 6)
	assert.Empty(t, snap.RecentActivity)
}

func TestRecentActivityHonoursLimit(t *testing.T) {
	s := ledgerFixture(t)
	engine := NewEngine(s, s, nil, 0, nil)

	activity, err := engine.RecentActivity(context.Background(), 1)

	require.NoError(t, err)
	require.Len(t, activity, 1)
	assert.Equal(t, "$10.00", activity[0].Amount)
}

func TestTransactionStatsCompletedOnly(t *testing.T) {
	s := ledgerFixture(t)
	seedSale(t, s, "txn-mar-2", time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC), domain.StatusCompleted, domain.PaymentCash, "5", item("a", 1))
	engine := NewEngine(s, s, nil, 0, nil)
	from := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	stats, err := engine.TransactionStats(context.Background(), &from, &testNow)
	require.NoError(t, err)

	assert.EqualValues(t, 3, stats.TotalTransactions)
	assert.True(t, stats.TotalSales.Equal(dec("55")))
	assert.True(t, stats.AverageTransactionValue.Equal(dec("18.33")), "avg %s", stats.AverageTransactionValue)
	assert.True(t, stats.PaymentMethodBreakdown[domain.PaymentCash].Equal(dec("45")))
	assert.True(t, stats.PaymentMethodBreakdown[domain.PaymentCard].Equal(dec("10")))
	_, hasGCash := stats.PaymentMethodBreakdown[domain.PaymentGCash]
	assert.False(t, hasGCash)
}

func TestTransactionStatsInclusiveBounds(t *testing.T) {
	s := ledgerFixture(t)
	engine := NewEngine(s, s, nil, 0, nil)
	exact := time.Date(2026, time.March, 15, 10, 0, 0, 0, time.UTC)

	stats, err := engine.TransactionStats(context.Background(), &exact, &exact)

	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalTransactions)
}

func TestTransactionStatsEmptyWindow(t *testing.T) {
	s := ledgerFixture(t)
	engine := NewEngine(s, s, nil, 0, nil)
	from := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	stats, err := engine.TransactionStats(context.Background(), &from, &to)

	require.NoError(t, err)
	assert.Zero(t, stats.TotalTransactions)
	assert.True(t, stats.AverageTransactionValue.IsZero())
	assert.NotNil(t, stats.PaymentMethodBreakdown)
}

func TestTransactionStatsRejectsInvertedWindow(t *testing.T) {
	s := memory.New()
	engine := NewEngine(s, s, nil, 0, nil)
	from := testNow
	to := testNow.Add(-time.Hour)

	_, err := engine.TransactionStats(context.Background(), &from, &to)

	assert.ErrorIs(t, err, store.ErrInvalid)
}

func TestTransactionStatsDefaultsToTrailingThirtyDays(t *testing.T) {
	s := memory.New()
	engine := NewEngine(s, s, nil, 0, nil)

	stats, err := engine.TransactionStats(context.Background(), nil, &testNow)

	require.NoError(t, err)
	assert.Equal(t, testNow.Add(-30*24*time.Hour), stats.From)
	assert.Equal(t, testNow, stats.To)
}

func TestMonthlySummary(t *testing.T) {
	s := ledgerFixture(t)
	engine := NewEngine(s, s, nil, 0, nil)

	summary, err := engine.MonthlySummary(context.Background(), time.Date(2026, time.January, 31, 23, 59, 0, 0, time.UTC))

	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.TotalTransactions)
	assert.True(t, summary.TotalSales.Equal(dec("40")))
	assert.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), summary.From)
}

func TestMonthWindowCoversLastDay(t *testing.T) {
	start, end := MonthWindow(time.Date(2024, time.February, 10, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), start)
	assert.True(t, end.After(time.Date(2024, time.February, 29, 23, 59, 59, 0, time.UTC)))
	assert.True(t, end.Before(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)))
}
