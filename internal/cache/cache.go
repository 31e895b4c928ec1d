package cache

import (
	"context"
	"time"

	"posledger/backend/internal/domain"
)

// DashboardCache stores dashboard snapshots per key. Every Delete bumps the
// key's generation; Set only stores a value when the generation is still the
// one the caller read before building it, so a snapshot computed before an
// invalidation is dropped instead of cached.
type DashboardCache interface {
	Get(ctx context.Context, key string) (*domain.DashboardSnapshot, bool, error)
	Generation(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, generation int64, value *domain.DashboardSnapshot, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// DashboardKey is the cache key of the snapshot for the month containing at.
func DashboardKey(at time.Time) string {
	return "posledger:dashboard:" + at.UTC().Format("2006-01")
}

func generationKey(key string) string {
	return key + ":gen"
}

type NoopDashboardCache struct{}

func (NoopDashboardCache) Get(_ context.Context, _ string) (*domain.DashboardSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopDashboardCache) Generation(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopDashboardCache) Set(_ context.Context, _ string, _ int64, _ *domain.DashboardSnapshot, _ time.Duration) (bool, error) {
	return false, nil
}

func (NoopDashboardCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
