package cache

import (
	"context"
	"time"

	"apotekpos/backend/internal/domain"
)

// AlertCache holds computed expiring-stock alert responses for a short TTL so
// repeated dashboard polls do not rescan the lot table.
type AlertCache interface {
	Get(ctx context.Context, key string) (*domain.ExpiryAlertResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.ExpiryAlertResponse, ttl time.Duration) error
}

type NoopAlertCache struct{}

func (NoopAlertCache) Get(_ context.Context, _ string) (*domain.ExpiryAlertResponse, bool, error) {
	return nil, false, nil
}

func (NoopAlertCache) Set(_ context.Context, _ string, _ *domain.ExpiryAlertResponse, _ time.Duration) error {
	return nil
}
