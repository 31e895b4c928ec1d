package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"posledger/backend/internal/domain"
)

// JobFunc runs the monthly job. month is the first instant of the month
// that has just started.
type JobFunc func(ctx context.Context, month time.Time) error

// MonthlyRunner checks on a ticker whether a new calendar month (UTC) has
// started and, if so, runs its job once for that month across every instance
// sharing the lock.
type MonthlyRunner struct {
	lock     MonthLock
	job      JobFunc
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	busy      atomic.Bool
	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewMonthlyRunner(lock MonthLock, job JobFunc, interval time.Duration, logger *zap.Logger) *MonthlyRunner {
	if lock == nil {
		lock = NewMemoryLock()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonthlyRunner{
		lock:     lock,
		job:      job,
		interval: interval,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
	}
}

// RunOnce runs the job if today is the first of the month and the month has
// not been claimed yet. It reports whether the job ran. Overlapping calls
// return immediately.
func (r *MonthlyRunner) RunOnce(ctx context.Context) (bool, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return false, nil
	}
	defer r.busy.Store(false)

	now := r.now().UTC()
	if now.Day() != 1 {
		return false, nil
	}
	month := now.Format("2006-01")
	claimed, err := r.lock.Acquire(ctx, month)
	if err != nil || !claimed {
		return false, err
	}

	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if err := r.job(ctx, start); err != nil {
		if relErr := r.lock.Release(context.WithoutCancel(ctx), month); relErr != nil {
			r.logger.Warn("monthly job lock release failed", zap.String("month", month), zap.Error(relErr))
		}
		return false, err
	}
	r.logger.Info("monthly job completed", zap.String("month", month))
	return true, nil
}

func (r *MonthlyRunner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("monthly runner started", zap.Duration("interval", r.interval))
}

// Stop cancels the loop and waits for an in-flight job until ctx expires.
func (r *MonthlyRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("monthly runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *MonthlyRunner) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *MonthlyRunner) tick(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("monthly job failed", zap.Error(err))
	}
}

// SummaryReporter is the slice of the reporting engine the ledger summary
// job needs.
type SummaryReporter interface {
	MonthlySummary(ctx context.Context, month time.Time) (domain.TransactionStats, error)
}

// LedgerSummaryJob logs the completed-sales summary of the month before the
// one that just started.
func LedgerSummaryJob(reports SummaryReporter, logger *zap.Logger) JobFunc {
	return func(ctx context.Context, month time.Time) error {
		previous := month.AddDate(0, -1, 0)
		stats, err := reports.MonthlySummary(ctx, previous)
		if err != nil {
			return err
		}
		fields := []zap.Field{
			zap.String("month", previous.Format("2006-01")),
			zap.Int64("transactions", stats.TotalTransactions),
			zap.String("total_sales", stats.TotalSales.StringFixed(2)),
			zap.String("average_value", stats.AverageTransactionValue.StringFixed(2)),
		}
		for method, amount := range stats.PaymentMethodBreakdown {
			fields = append(fields, zap.String("sales_"+string(method), amount.StringFixed(2)))
		}
		logger.Info("monthly ledger summary", fields...)
		return nil
	}
}
