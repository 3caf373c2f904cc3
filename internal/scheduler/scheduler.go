// Package scheduler runs the daemon's background loops on a single cron
// instance. Every job gets a context derived from the root context, a
// per-tick timeout, overlap protection, and panic isolation, so one
// misbehaving loop cannot take the process down.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled loop.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Func adapts a plain function to the Job interface.
func Func(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }
func (j funcJob) Name() string                  { return j.name }

// Every renders an interval as a cron spec. Sub-second intervals are
// rounded up to one second, the scheduler's resolution.
func Every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return fmt.Sprintf("@every %s", d.Round(time.Second))
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron *cron.Cron
	root context.Context
	log  zerolog.Logger
}

// New creates a scheduler. Tick contexts derive from root, so canceling
// root stops new work immediately.
func New(root context.Context, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		root: root,
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// AddJob registers a job. timeout bounds each tick; zero means no bound
// beyond root cancellation. A tick that would overlap a still-running
// previous tick is skipped, not queued.
func (s *Scheduler) AddJob(schedule string, timeout time.Duration, job Job) error {
	entry := &jobEntry{s: s, job: job, timeout: timeout}
	if _, err := s.cron.AddFunc(schedule, entry.tick); err != nil {
		return fmt.Errorf("failed to register job %s: %w", job.Name(), err)
	}
	s.log.Info().
		Str("job", job.Name()).
		Str("schedule", schedule).
		Dur("timeout", timeout).
		Msg("Job registered")
	return nil
}

// Start begins dispatching ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop prevents new ticks and waits for running jobs to drain.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// RunNow executes a job once outside its schedule, with the same timeout
// and panic handling as a scheduled tick.
func (s *Scheduler) RunNow(job Job, timeout time.Duration) error {
	entry := &jobEntry{s: s, job: job, timeout: timeout}
	return entry.run()
}

type jobEntry struct {
	s        *Scheduler
	job      Job
	timeout  time.Duration
	inFlight atomic.Bool
}

func (e *jobEntry) tick() {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.s.log.Warn().Str("job", e.job.Name()).Msg("Previous tick still running, skipping")
		return
	}
	defer e.inFlight.Store(false)
	// Errors are logged inside run; a failed tick must not stop the schedule.
	_ = e.run()
}

func (e *jobEntry) run() (err error) {
	if e.s.root.Err() != nil {
		return e.s.root.Err()
	}
	ctx := e.s.root
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	log := e.s.log.With().Str("job", e.job.Name()).Logger()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", e.job.Name(), r)
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Job panicked")
		}
	}()

	log.Debug().Msg("Running job")
	if err = e.job.Run(ctx); err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Job failed")
		return err
	}
	log.Debug().Dur("duration", time.Since(start)).Msg("Job completed")
	return nil
}
