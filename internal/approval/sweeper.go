package approval

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// sweepStore is the slice of the approval store the sweeper depends on.
type sweepStore interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) (int, []string, error)
	ApproachingExpirations(ctx context.Context, now time.Time, window time.Duration) ([]string, error)
}

// SweepResult reports one expiration check.
type SweepResult struct {
	ExpiredCount    int      `json:"expired_count"`
	AffectedPlanIDs []string `json:"affected_plan_ids"`
}

// DefaultWarningWindow is how far ahead ApproachingExpirations looks when
// the caller doesn't say.
const DefaultWarningWindow = 30 * time.Minute

const sweepLockKey = "approvals:sweep:lock"

var sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "approval_sweep_runs_total",
	Help: "Expiration sweep passes, by outcome.",
}, []string{"outcome"})

// Sweeper expires overdue pending approvals. RunExpirationCheck is safe to
// invoke repeatedly and concurrently: the bulk update only claims rows still
// pending, so overlapping sweeps cannot double-count.
type Sweeper struct {
	Store  sweepStore
	Logger *log.Logger

	// Rdb, when set, is used for a best-effort distributed lock so only one
	// node runs a scheduled sweep at a time.
	Rdb *redis.Client

	// Interval between scheduled sweeps; Schedule (cron spec, @hourly,
	// @daily) takes precedence when set.
	Interval time.Duration
	Schedule string

	// Batched sweep tuning.
	BatchSize  int
	BatchDelay time.Duration

	// WarningWindow is the lookahead for approaching-expiration queries when
	// the caller doesn't pass one. Zero falls back to DefaultWarningWindow.
	WarningWindow time.Duration

	now func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	lastRun *time.Time
}

// NewSweeper builds a sweeper with sane defaults.
func NewSweeper(st sweepStore, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	return &Sweeper{
		Store:      st,
		Logger:     logger,
		Interval:   time.Minute,
		BatchSize:  100,
		BatchDelay: 100 * time.Millisecond,
		now:        time.Now,
	}
}

// RunExpirationCheck performs one unbounded sweep pass. Idempotent: a pass
// that finds nothing overdue returns a zero result.
func (s *Sweeper) RunExpirationCheck(ctx context.Context) (SweepResult, error) {
	now := s.now().UTC()
	count, planIDs, err := s.Store.ExpireStale(ctx, now, 0)
	if err != nil {
		sweepRuns.WithLabelValues("error").Inc()
		return SweepResult{}, err
	}
	sweepRuns.WithLabelValues("ok").Inc()
	if count > 0 {
		s.Logger.Printf("expired %d approval(s) across %d plan(s)", count, len(planIDs))
	}
	return SweepResult{ExpiredCount: count, AffectedPlanIDs: planIDs}, nil
}

// RunExpirationCheckBatched sweeps in bounded passes until a pass returns
// fewer rows than the batch size, pausing briefly between passes to bound
// load on the store. The result aggregates all passes.
func (s *Sweeper) RunExpirationCheckBatched(ctx context.Context) (SweepResult, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}
	total := SweepResult{}
	planSet := map[string]struct{}{}
	for {
		now := s.now().UTC()
		count, planIDs, err := s.Store.ExpireStale(ctx, now, batch)
		if err != nil {
			sweepRuns.WithLabelValues("error").Inc()
			return total, err
		}
		total.ExpiredCount += count
		for _, id := range planIDs {
			planSet[id] = struct{}{}
		}
		if count < batch {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(s.BatchDelay):
		}
	}
	total.AffectedPlanIDs = make([]string, 0, len(planSet))
	for id := range planSet {
		total.AffectedPlanIDs = append(total.AffectedPlanIDs, id)
	}
	sweepRuns.WithLabelValues("ok").Inc()
	if total.ExpiredCount > 0 {
		s.Logger.Printf("batched sweep expired %d approval(s) across %d plan(s)", total.ExpiredCount, len(total.AffectedPlanIDs))
	}
	return total, nil
}

// GetApproachingExpirations returns ids of pending approvals expiring within
// the warning window. A non-positive window falls back to the configured
// WarningWindow, then to the 30-minute default. Read-only.
func (s *Sweeper) GetApproachingExpirations(ctx context.Context, window time.Duration) ([]string, error) {
	if window <= 0 {
		window = s.WarningWindow
	}
	if window <= 0 {
		window = DefaultWarningWindow
	}
	return s.Store.ApproachingExpirations(ctx, s.now().UTC(), window)
}

// Start launches the recurring sweep goroutine. No-op if already running.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	stop, done := s.stop, s.done
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// A tick already buffered when stop closed must not start
				// a sweep.
				select {
				case <-stop:
					return
				default:
				}
				s.tick()
			}
		}
	}()
}

// Stop halts the recurring sweep and waits for the loop goroutine to exit.
// A sweep already in flight runs to completion before Stop returns; no new
// pass can begin afterwards.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	close(stop)
	<-done
}

func (s *Sweeper) tick() {
	ctx := context.Background()
	now := s.now()

	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()
	if !isDue(s.Schedule, last, now) {
		return
	}

	// Distributed lock so only one node sweeps per cadence.
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, sweepLockKey, "1", 2*time.Minute).Result()
		if err != nil {
			s.Logger.Printf("sweep lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, sweepLockKey)
	}

	if _, err := s.RunExpirationCheckBatched(ctx); err != nil {
		s.Logger.Printf("sweep failed: %v", err)
		return
	}
	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()
}

// isDue decides whether a sweep should run now given the configured cron
// spec and the last run time. An empty spec means every tick is due.
// Supports "@hourly", "@daily", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "":
		return true
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Invalid spec degrades to every tick.
			return true
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
