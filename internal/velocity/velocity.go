// Package velocity tracks how many transactions a user submitted recently.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// DefaultWindow is used when the service is created with a zero window.
const DefaultWindow = time.Hour

// Counter is the store query used when no cache is available.
type Counter interface {
	CountUserTransactions(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Service counts per-user transactions in a fixed window that opens at the
// user's first submission and expires with the cache counter. The cache
// counter is authoritative; the store count over the trailing window is the
// fallback.
type Service struct {
	cache  domain.Cache
	store  Counter
	window time.Duration
	now    func() time.Time
}

// NewService creates a velocity service. Either cache or store may be nil,
// but not both.
func NewService(cache domain.Cache, store Counter, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		cache:  cache,
		store:  store,
		window: window,
		now:    time.Now,
	}
}

// Window returns the counting window.
func (s *Service) Window() time.Duration {
	return s.window
}

// Observe records one submission for userID and returns the number of
// submissions in the current window, this one included.
func (s *Service) Observe(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id is required")
	}

	if s.cache != nil {
		n, err := s.cache.IncrementCounter(ctx, counterKey(userID), s.window)
		if err == nil {
			return n, nil
		}
		slog.Warn("velocity counter unavailable, falling back to store",
			"user_id", userID,
			"error", err,
		)
	}

	n, err := s.Count(ctx, userID)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// Count returns the number of stored transactions for userID in the window.
func (s *Service) Count(ctx context.Context, userID string) (int64, error) {
	if s.store == nil {
		return 0, errors.New("no velocity data source available")
	}
	n, err := s.store.CountUserTransactions(ctx, userID, s.now().Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions for %s: %w", userID, err)
	}
	return n, nil
}

func counterKey(userID string) string {
	return "velocity:" + userID
}
