package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

type flakyAdjuster struct {
	failures  int32
	retryable bool
	calls     atomic.Int32
}

func (f *flakyAdjuster) AdjustStock(_ context.Context, _ string, delta int) (int, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return 0, &store.StorageError{Op: "adjust stock", Err: errors.New("serialization failure"), Retryable: f.retryable}
	}
	return 10 + delta, nil
}

func newTestGuard(adj StockAdjuster) *Guard {
	return NewGuard(adj, zap.NewNop(), Options{Attempts: 3, Backoff: time.Millisecond, Timeout: time.Second})
}

func seededStore(t *testing.T, stock int) *memory.Store {
	t.Helper()
	s := memory.New()
	_, err := s.CreateProduct(context.Background(), domain.Product{
		ID:    "p1",
		Name:  "Widget",
		SKU:   "W-1",
		Price: decimal.NewFromInt(5),
		Cost:  decimal.NewFromInt(2),
		Stock: stock,
	})
	require.NoError(t, err)
	return s
}

func TestReserveDecrementsStock(t *testing.T) {
	s := seededStore(t, 5)
	g := newTestGuard(s)

	left, err := g.Reserve(context.Background(), "p1", 3)

	require.NoError(t, err)
	assert.Equal(t, 2, left)
}

func TestReserveRejectsOversellAndLeavesStock(t *testing.T) {
	s := seededStore(t, 2)
	g := newTestGuard(s)

	_, err := g.Reserve(context.Background(), "p1", 3)

	var oos *store.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, 3, oos.Requested)
	assert.Equal(t, 2, oos.Available)
	p, _ := s.GetProduct(context.Background(), "p1")
	assert.Equal(t, 2, p.Stock)
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	g := newTestGuard(seededStore(t, 5))

	_, err := g.Reserve(context.Background(), "p1", 0)

	assert.ErrorIs(t, err, store.ErrInvalid)
}

func TestReserveRejectsQuantityBeyondLimit(t *testing.T) {
	s := seededStore(t, 5)
	g := newTestGuard(s)

	_, err := g.Reserve(context.Background(), "p1", domain.MaxQuantity+1)

	assert.ErrorIs(t, err, store.ErrInvalid)
	p, _ := s.GetProduct(context.Background(), "p1")
	assert.Equal(t, 5, p.Stock)
}

func TestReserveUnknownProduct(t *testing.T) {
	g := newTestGuard(seededStore(t, 5))

	_, err := g.Reserve(context.Background(), "nope", 1)

	var nf *store.ProductNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestReleaseSkipsDeletedProduct(t *testing.T) {
	g := newTestGuard(seededStore(t, 5))

	assert.NoError(t, g.Release(context.Background(), "deleted", 4))
}

func TestReleaseRestoresStock(t *testing.T) {
	s := seededStore(t, 5)
	g := newTestGuard(s)

	_, err := g.Reserve(context.Background(), "p1", 5)
	require.NoError(t, err)
	require.NoError(t, g.Release(context.Background(), "p1", 5))

	p, _ := s.GetProduct(context.Background(), "p1")
	assert.Equal(t, 5, p.Stock)
}

func TestAdjustRetriesRetryableFailures(t *testing.T) {
	adj := &flakyAdjuster{failures: 2, retryable: true}
	g := newTestGuard(adj)

	left, err := g.Reserve(context.Background(), "p1", 1)

	require.NoError(t, err)
	assert.Equal(t, 9, left)
	assert.EqualValues(t, 3, adj.calls.Load())
}

func TestAdjustGivesUpAfterAttempts(t *testing.T) {
	adj := &flakyAdjuster{failures: 10, retryable: true}
	g := newTestGuard(adj)

	_, err := g.Reserve(context.Background(), "p1", 1)

	assert.ErrorIs(t, err, store.ErrStorage)
	assert.EqualValues(t, 3, adj.calls.Load())
}

func TestAdjustDoesNotRetryPermanentFailures(t *testing.T) {
	adj := &flakyAdjuster{failures: 1, retryable: false}
	g := newTestGuard(adj)

	err := g.Release(context.Background(), "p1", 1)

	assert.ErrorIs(t, err, store.ErrStorage)
	assert.EqualValues(t, 1, adj.calls.Load())
}

func TestAdjustKeepsRetryingAfterCallerCancels(t *testing.T) {
	adj := &flakyAdjuster{failures: 2, retryable: true}
	g := newTestGuard(adj)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Release(ctx, "p1", 1)

	require.NoError(t, err)
	assert.EqualValues(t, 3, adj.calls.Load())
}

func TestAdjustStopsAtGuardTimeout(t *testing.T) {
	adj := &flakyAdjuster{failures: 100, retryable: true}
	g := NewGuard(adj, zap.NewNop(), Options{Attempts: 50, Backoff: 20 * time.Millisecond, Timeout: 30 * time.Millisecond})

	_, err := g.Reserve(context.Background(), "p1", 1)

	require.Error(t, err)
	assert.Less(t, adj.calls.Load(), int32(50))
}

func TestReserveCompletesDespiteCancelledCaller(t *testing.T) {
	s := seededStore(t, 5)
	g := newTestGuard(s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	left, err := g.Reserve(ctx, "p1", 2)

	require.NoError(t, err)
	assert.Equal(t, 3, left)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	s := seededStore(t, 10)
	g := newTestGuard(s)

	var wg sync.WaitGroup
	var reserved atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Reserve(context.Background(), "p1", 1); err == nil {
				reserved.Add(1)
			}
		}()
	}
	wg.Wait()

	p, _ := s.GetProduct(context.Background(), "p1")
	assert.EqualValues(t, 10, reserved.Load())
	assert.Equal(t, 0, p.Stock)
}
