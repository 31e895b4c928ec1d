package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

const (
	DefaultActivityLimit = 10
	profitSeriesMonths   = 6
	defaultStatsWindow   = 30 * 24 * time.Hour
	activityTimeLayout   = "Jan 2, 2006 3:04 PM"
)

// Engine answers the read-only ledger questions behind the dashboard and the
// statistics endpoints. It never mutates the store.
type Engine struct {
	products     store.ProductStore
	transactions store.TransactionStore
	cache        cache.DashboardCache
	cacheTTL     time.Duration
	logger       *zap.Logger
}

func NewEngine(products store.ProductStore, transactions store.TransactionStore, cacheStore cache.DashboardCache, cacheTTL time.Duration, logger *zap.Logger) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopDashboardCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		products:     products,
		transactions: transactions,
		cache:        cacheStore,
		cacheTTL:     cacheTTL,
		logger:       logger.Named("reporting"),
	}
}

// DashboardSnapshot summarises the calendar month containing now (UTC).
// Current-month count and sales include every status; the profit series
// counts completed sales only.
func (e *Engine) DashboardSnapshot(ctx context.Context, now time.Time) (*domain.DashboardSnapshot, error) {
	now = now.UTC()
	key := cache.DashboardKey(now)
	if cached, ok, err := e.cache.Get(ctx, key); err != nil {
		e.logger.Warn("dashboard cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	// Read before querying so an invalidation racing the queries wins.
	generation, genErr := e.cache.Generation(ctx, key)
	if genErr != nil {
		e.logger.Warn("dashboard cache generation read failed", zap.String("key", key), zap.Error(genErr))
	}

	monthStart, monthEnd := MonthWindow(now)
	seriesStart := monthStart.AddDate(0, -(profitSeriesMonths - 1), 0)

	var (
		snap     = &domain.DashboardSnapshot{Month: now.Format("2006-01"), GeneratedAt: now}
		month    domain.SalesSummary
		profits  []domain.MonthlyProfit
		activity []domain.Activity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.TotalProducts, err = e.products.CountProducts(gctx)
		return err
	})
	g.Go(func() (err error) {
		snap.LowStockItems, err = e.products.CountLowStock(gctx, domain.LowStockThreshold)
		return err
	})
	g.Go(func() (err error) {
		month, err = e.transactions.SalesSummary(gctx, monthStart, monthEnd, false)
		return err
	})
	g.Go(func() (err error) {
		profits, err = e.transactions.MonthlyProfit(gctx, seriesStart, now)
		return err
	})
	g.Go(func() (err error) {
		activity, err = e.RecentActivity(gctx, DefaultActivityLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.TotalTransactions = month.Count
	snap.TotalSales = month.Total
	snap.ProfitSeries = profitSeries(seriesStart, profits)
	snap.RecentActivity = activity

	if genErr == nil {
		if _, err := e.cache.Set(ctx, key, generation, snap, e.cacheTTL); err != nil {
			e.logger.Warn("dashboard cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return snap, nil
}

// profitSeries lays out one point per month starting at start, filling months
// without sales with zero.
func profitSeries(start time.Time, rows []domain.MonthlyProfit) []domain.ProfitPoint {
	byMonth := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		key := fmt.Sprintf("%04d-%02d", row.Year, int(row.Month))
		byMonth[key] = byMonth[key].Add(row.Revenue.Sub(row.Cost))
	}
	series := make([]domain.ProfitPoint, 0, profitSeriesMonths)
	for i := 0; i < profitSeriesMonths; i++ {
		key := start.AddDate(0, i, 0).Format("2006-01")
		series = append(series, domain.ProfitPoint{Month: key, Profit: byMonth[key]})
	}
	return series
}

// RecentActivity lists the latest sales, newest first.
func (e *Engine) RecentActivity(ctx context.Context, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	txs, err := e.transactions.RecentTransactions(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Activity, 0, len(txs))
	for _, tx := range txs {
		out = append(out, domain.Activity{
			Action: "Sale",
			Item:   activityItem(tx),
			Amount: "$" + tx.Total.StringFixed(2),
			Time:   tx.CreatedAt.UTC().Format(activityTimeLayout),
		})
	}
	return out, nil
}

func activityItem(tx domain.Transaction) string {
	if len(tx.Items) == 0 || tx.Items[0].Product == nil || tx.Items[0].Product.Name == "" {
		return fmt.Sprintf("%d items", len(tx.Items))
	}
	name := tx.Items[0].Product.Name
	if extra := len(tx.Items) - 1; extra > 0 {
		return fmt.Sprintf("%s +%d more", name, extra)
	}
	return name
}

// TransactionStats aggregates completed sales in [start, end]. A nil start
// means 30 days before end; a nil end means now.
func (e *Engine) TransactionStats(ctx context.Context, start, end *time.Time) (domain.TransactionStats, error) {
	to := time.Now().UTC()
	if end != nil {
		to = end.UTC()
	}
	from := to.Add(-defaultStatsWindow)
	if start != nil {
		from = start.UTC()
	}
	if from.After(to) {
		return domain.TransactionStats{}, store.NewValidationError("startDate", "must not be after endDate")
	}
	return e.stats(ctx, from, to)
}

// MonthlySummary aggregates completed sales for the calendar month that
// contains month.
func (e *Engine) MonthlySummary(ctx context.Context, month time.Time) (domain.TransactionStats, error) {
	from, to := MonthWindow(month)
	return e.stats(ctx, from, to)
}

func (e *Engine) stats(ctx context.Context, from, to time.Time) (domain.TransactionStats, error) {
	var (
		summary   domain.SalesSummary
		breakdown map[domain.PaymentMethod]decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		summary, err = e.transactions.SalesSummary(gctx, from, to, true)
		return err
	})
	g.Go(func() (err error) {
		breakdown, err = e.transactions.PaymentBreakdown(gctx, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.TransactionStats{}, err
	}
	if breakdown == nil {
		breakdown = map[domain.PaymentMethod]decimal.Decimal{}
	}

	average := decimal.Zero
	if summary.Count > 0 {
		average = summary.Total.Div(decimal.NewFromInt(summary.Count)).Round(2)
	}
	return domain.TransactionStats{
		From:                    from,
		To:                      to,
		TotalSales:              summary.Total,
		TotalTransactions:       summary.Count,
		AverageTransactionValue: average,
		PaymentMethodBreakdown:  breakdown,
	}, nil
}

// MonthWindow returns the first and last instant (microsecond precision) of
// the UTC calendar month containing t.
func MonthWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0).Add(-time.Microsecond)
}
