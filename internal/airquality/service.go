package airquality

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrRangeTooLarge is returned when a measurement query spans more than the service allows.
var ErrRangeTooLarge = errors.New("requested range is too large")

// ServiceConfig holds configuration for the read service.
type ServiceConfig struct {
	// Repository is the measurement store to read from.
	Repository Repository

	// Logger for service operations.
	Logger zerolog.Logger

	// StatsTTL is how long to cache store statistics (default: 1 minute).
	StatsTTL time.Duration

	// StaleIfErrorTTL allows serving stale statistics on store errors (default: 15 minutes).
	StaleIfErrorTTL time.Duration

	// MaxRange caps the span of a measurement query (default: 31 days).
	MaxRange time.Duration
}

// Service serves stored measurements to the reporting layer.
type Service struct {
	repo            Repository
	logger          zerolog.Logger
	statsTTL        time.Duration
	staleIfErrorTTL time.Duration
	maxRange        time.Duration

	mu          sync.RWMutex
	stats       *StoreStats
	fetchedAt   time.Time
	cacheExpiry time.Time
}

// NewService creates a new read service.
func NewService(cfg ServiceConfig) *Service {
	statsTTL := cfg.StatsTTL
	if statsTTL == 0 {
		statsTTL = time.Minute
	}

	staleIfErrorTTL := cfg.StaleIfErrorTTL
	if staleIfErrorTTL == 0 {
		staleIfErrorTTL = 15 * time.Minute
	}

	maxRange := cfg.MaxRange
	if maxRange == 0 {
		maxRange = 31 * 24 * time.Hour
	}

	return &Service{
		repo:            cfg.Repository,
		logger:          cfg.Logger,
		statsTTL:        statsTTL,
		staleIfErrorTTL: staleIfErrorTTL,
		maxRange:        maxRange,
	}
}

// Stations returns the station catalog.
func (s *Service) Stations(ctx context.Context) ([]Station, error) {
	return s.repo.Stations(ctx)
}

// Metrics returns the metric catalog.
func (s *Service) Metrics(ctx context.Context) ([]Metric, error) {
	return s.repo.Metrics(ctx)
}

// Measurements returns the stored rows of one station and metric in [From, To).
func (s *Service) Measurements(ctx context.Context, q RangeQuery) ([]StoredRow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.To.Sub(q.From) > s.maxRange {
		return nil, fmt.Errorf("%w: at most %s", ErrRangeTooLarge, s.maxRange)
	}
	return s.repo.Range(ctx, q)
}

// Ready reports whether the store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Stats returns store statistics, cached for StatsTTL.
func (s *Service) Stats(ctx context.Context) (StoreStats, error) {
	s.mu.RLock()
	if s.stats != nil && time.Now().Before(s.cacheExpiry) {
		stats := *s.stats
		s.mu.RUnlock()
		return stats, nil
	}
	s.mu.RUnlock()

	return s.refreshStats(ctx)
}

// InvalidateStats clears the cached statistics.
func (s *Service) InvalidateStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = nil
	s.cacheExpiry = time.Time{}
}

// CacheStatus represents the current state of the statistics cache.
type CacheStatus struct {
	HasData   bool
	FetchedAt time.Time
	ExpiresAt time.Time
	IsExpired bool
	IsStale   bool
}

// CacheStatus returns information about the statistics cache.
func (s *Service) CacheStatus() CacheStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stats == nil {
		return CacheStatus{}
	}

	now := time.Now()
	return CacheStatus{
		HasData:   true,
		FetchedAt: s.fetchedAt,
		ExpiresAt: s.cacheExpiry,
		IsExpired: now.After(s.cacheExpiry),
		IsStale:   now.After(s.fetchedAt.Add(s.staleIfErrorTTL)),
	}
}

func (s *Service) refreshStats(ctx context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have refreshed while we waited.
	if s.stats != nil && time.Now().Before(s.cacheExpiry) {
		return *s.stats, nil
	}

	stats, err := s.repo.Stats(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read store statistics")

		if s.stats != nil && time.Now().Before(s.fetchedAt.Add(s.staleIfErrorTTL)) {
			s.logger.Warn().
				Time("fetched_at", s.fetchedAt).
				Msg("serving stale store statistics due to store error")
			return *s.stats, nil
		}
		return StoreStats{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	now := time.Now()
	s.stats = &stats
	s.fetchedAt = now
	s.cacheExpiry = now.Add(s.statsTTL)

	s.logger.Debug().
		Int64("rows", stats.TotalRows).
		Time("expires_at", s.cacheExpiry).
		Msg("store statistics refreshed")

	return stats, nil
}
