// Package sweeper closes coaching sessions that users walked away from.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	metrics "github.com/aixgo-dev/coachflow/pkg/observability"
	"github.com/aixgo-dev/coachflow/pkg/session"
)

// Sweep actions, also used as metric labels.
const (
	ActionAbandoned = "abandoned"
	ActionExpired   = "expired"
	ActionSkipped   = "skipped"
)

// Defaults for Config.
const (
	DefaultSchedule  = "@every 1m"
	DefaultBatchSize = 100
)

// Config configures a Sweeper.
type Config struct {
	// Schedule is a cron expression (seconds optional) or descriptor such
	// as "@every 5m".
	Schedule  string `yaml:"schedule"`
	BatchSize int    `yaml:"batch_size"`
}

// cronParser accepts 5-field expressions, 6-field expressions with
// seconds, and descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Report counts what one sweep did.
type Report struct {
	Scanned   int
	Abandoned int
	Expired   int
	// Skipped counts sessions another writer changed mid-sweep. The next
	// sweep picks them up again.
	Skipped int
}

func (r Report) actions() map[string]int {
	return map[string]int{
		ActionAbandoned: r.Abandoned,
		ActionExpired:   r.Expired,
		ActionSkipped:   r.Skipped,
	}
}

// Sweeper periodically applies the expiry and idle rules to open sessions.
// An expired session is closed as expired and an idle paused session is
// abandoned. Idle active sessions are left alone.
type Sweeper struct {
	store     session.Store
	clock     session.Clock
	schedule  cron.Schedule
	spec      string
	batchSize int

	lastSweep atomic.Int64 // unix nanos of the last finished sweep
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithClock sets the clock sweeps evaluate sessions against
func WithClock(clock session.Clock) Option {
	return func(s *Sweeper) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates a Sweeper. An empty schedule means DefaultSchedule.
func New(store session.Store, cfg Config, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper: store is required")
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", spec, err)
	}
	s := &Sweeper{
		store:     store,
		clock:     session.SystemClock,
		schedule:  schedule,
		spec:      spec,
		batchSize: cfg.BatchSize,
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps on the schedule until ctx is done. A sweep still in progress
// when the next one is due is not overlapped.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := cron.PrintfLogger(log.Default())
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunOnce(ctx); err != nil {
			log.Printf("[Sweeper] sweep failed: %v", err)
		}
	}))

	log.Printf("[Sweeper] started (schedule %q, batch %d)", s.spec, s.batchSize)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Printf("[Sweeper] stopped")
	return nil
}

// LastSweep returns when the last sweep finished, or the zero time.
func (s *Sweeper) LastSweep() time.Time {
	n := s.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Interval is the gap between the next two scheduled sweeps.
func (s *Sweeper) Interval() time.Duration {
	next := s.schedule.Next(time.Now())
	return s.schedule.Next(next).Sub(next)
}

// RunOnce performs a single sweep. Sessions that fail to save are reported
// in the returned error; the rest of the batch is still processed.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	now := s.clock.Now()

	var report Report
	candidates, err := s.store.ListSweepCandidates(ctx, now, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("list sweep candidates: %w", err)
	}

	var errs []error
	for _, sess := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report.Scanned++
		sess.SetClock(s.clock)

		action, err := apply(sess, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID(), err))
			continue
		}
		if action == "" {
			continue
		}

		if err := s.store.Save(ctx, sess); err != nil {
			if errors.Is(err, session.ErrVersionConflict) {
				metrics.RecordWriteConflict("sweep")
				report.Skipped++
				continue
			}
			errs = append(errs, fmt.Errorf("save session %s: %w", sess.ID(), err))
			continue
		}

		metrics.RecordTransition(sess.TopicID(), string(sess.Status()))
		switch action {
		case ActionAbandoned:
			report.Abandoned++
		case ActionExpired:
			report.Expired++
		}
	}

	s.lastSweep.Store(time.Now().UnixNano())
	metrics.RecordSweep(report.actions(), time.Since(start))
	if report.Abandoned+report.Expired > 0 {
		log.Printf("[Sweeper] scanned=%d abandoned=%d expired=%d skipped=%d",
			report.Scanned, report.Abandoned, report.Expired, report.Skipped)
	}
	return report, errors.Join(errs...)
}

// apply moves sess to its swept state and names the action, or returns ""
// when the session should be left alone for now.
func apply(sess *session.Session, now time.Time) (string, error) {
	if sess.IsExpired(now) {
		return ActionExpired, sess.MarkExpired()
	}
	if !sess.IsIdle(now) {
		return "", nil
	}
	// Idleness alone never closes an active session; it can still be messaged.
	if sess.Status() != session.StatusPaused {
		return "", nil
	}
	return ActionAbandoned, sess.MarkAbandoned()
}
