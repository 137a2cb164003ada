package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the spacing between sweeps.
const DefaultInterval = 24 * time.Hour

var errMissingStore = errors.New("sweeper: store is required")

// Store deletes expired ephemeral rows. Each call is a single conditional DELETE.
type Store interface {
	SweepExpiredStagingUsers(ctx context.Context) (int64, error)
	SweepExpiredEmailChanges(ctx context.Context) (int64, error)
}

// Config configures the sweeper.
type Config struct {
	Store    Store
	Interval time.Duration
	Logger   *zap.Logger
}

// Result reports the rows removed by one run.
type Result struct {
	StagingUsers int64
	EmailChanges int64
}

// Sweeper periodically removes expired staging users and pending email changes.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a stopped sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: cfg.Store, interval: interval, logger: logger}, nil
}

// Start launches the background loop. The first sweep runs one interval after Start.
// Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs both sweeps. A failing sweep is logged and does not prevent the other; the
// next tick retries it.
func (s *Sweeper) RunOnce(ctx context.Context) Result {
	var result Result

	staging, err := s.store.SweepExpiredStagingUsers(ctx)
	if err != nil {
		s.logger.Error("expired staging user sweep failed", zap.Error(err))
	} else {
		result.StagingUsers = staging
	}

	changes, err := s.store.SweepExpiredEmailChanges(ctx)
	if err != nil {
		s.logger.Error("expired email change sweep failed", zap.Error(err))
	} else {
		result.EmailChanges = changes
	}

	s.logger.Info("expired rows swept",
		zap.Int64("staging_users", result.StagingUsers),
		zap.Int64("pending_email_changes", result.EmailChanges),
	)
	return result
}
