package scheduler

import (
	"context"
	"sync"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"

	"go.uber.org/zap"
)

// Pruner forgets chat state that can no longer matter: rate-limit entries
// that cannot reject anyone and default room state nobody occupies.
type Pruner interface {
	PruneRateLimits() int
	PruneIdleRooms(occupied func(domain.RoomID) bool) int
}

type Config struct {
	Interval time.Duration
	MaxIdle  time.Duration
}

// Sweeper evicts idle sessions on its own ticker, outside every connection
// loop, and refreshes the gateway gauges.
type Sweeper struct {
	sessions ports.SessionRegistry
	pruner   Pruner
	relay    ports.SubscriptionRelay
	metrics  ports.Metrics

	interval time.Duration
	maxIdle  time.Duration

	logger   *zap.SugaredLogger
	stopOnce sync.Once
	stopChan chan struct{}
}

func NewSweeper(
	sessions ports.SessionRegistry,
	pruner Pruner,
	relay ports.SubscriptionRelay,
	metrics ports.Metrics,
	cfg Config,
	logger *zap.SugaredLogger,
) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		pruner:   pruner,
		relay:    relay,
		metrics:  metrics,
		interval: cfg.Interval,
		maxIdle:  cfg.MaxIdle,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// RunOnce performs one sweep and returns the number of evicted sessions.
func (s *Sweeper) RunOnce() int {
	swept := s.sessions.SweepInactive(s.maxIdle)

	if s.pruner != nil {
		if pruned := s.pruner.PruneRateLimits(); pruned > 0 {
			s.logger.Debugw("pruned rate limit entries", "count", pruned)
		}
		if pruned := s.pruner.PruneIdleRooms(s.occupied); pruned > 0 {
			s.logger.Debugw("pruned idle room state", "count", pruned)
		}
	}

	if s.metrics != nil {
		stats := s.sessions.Stats()
		subscribers := 0
		if s.relay != nil {
			subscribers = s.relay.Count()
		}
		s.metrics.Gauges(stats.ActiveConnections, stats.ActiveRooms, subscribers)
	}
	return swept
}

func (s *Sweeper) occupied(room domain.RoomID) bool {
	return len(s.sessions.MembersOf(room)) > 0
}
