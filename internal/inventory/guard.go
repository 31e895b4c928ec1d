package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func checkQuantity(qty int) error {
	if qty < 1 {
		return store.NewValidationError("quantity", "must be at least 1")
	}
	if qty > domain.MaxQuantity {
		return store.NewValidationError("quantity", fmt.Sprintf("must be at most %d", domain.MaxQuantity))
	}
	return nil
}

// StockAdjuster is the single atomic stock primitive the guard relies on.
type StockAdjuster interface {
	AdjustStock(ctx context.Context, productID string, delta int) (int, error)
}

type Options struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Attempts: 3,
		Backoff:  10 * time.Millisecond,
		Timeout:  5 * time.Second,
	}
}

// Guard is the only component that changes product stock. Each operation,
// once started, runs to completion even if the caller's context is
// cancelled; it is bounded by its own timeout instead.
type Guard struct {
	stock  StockAdjuster
	logger *zap.Logger
	opts   Options
}

func NewGuard(stock StockAdjuster, logger *zap.Logger, opts Options) *Guard {
	def := DefaultOptions()
	if opts.Attempts < 1 {
		opts.Attempts = def.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{stock: stock, logger: logger.Named("inventory"), opts: opts}
}

// Reserve decrements stock by qty, or fails with *store.OutOfStockError
// leaving stock untouched.
func (g *Guard) Reserve(ctx context.Context, productID string, qty int) (int, error) {
	if err := checkQuantity(qty); err != nil {
		return 0, err
	}
	return g.adjust(ctx, "reserve", productID, -qty)
}

// Release returns qty units to stock. A product that no longer exists is
// skipped with a warning.
func (g *Guard) Release(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return nil
	}
	_, err := g.adjust(ctx, "release", productID, qty)
	var notFound *store.ProductNotFoundError
	if errors.As(err, &notFound) {
		g.logger.Warn("release skipped for deleted product",
			zap.String("product_id", productID),
			zap.Int("quantity", qty),
		)
		return nil
	}
	return err
}

// Receive adds incoming stock for an existing product.
func (g *Guard) Receive(ctx context.Context, productID string, qty int) (int, error) {
	if err := checkQuantity(qty); err != nil {
		return 0, err
	}
	return g.adjust(ctx, "receive", productID, qty)
}

func (g *Guard) adjust(ctx context.Context, op string, productID string, delta int) (int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.Timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.opts.Backoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempt := 0
	return backoff.RetryNotifyWithData(func() (int, error) {
		attempt++
		stock, err := g.stock.AdjustStock(ctx, productID, delta)
		if err != nil && !store.IsRetryable(err) {
			return stock, backoff.Permanent(err)
		}
		return stock, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(g.opts.Attempts-1)), ctx), func(err error, wait time.Duration) {
		g.logger.Debug("retrying stock adjustment",
			zap.String("op", op),
			zap.String("product_id", productID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}
