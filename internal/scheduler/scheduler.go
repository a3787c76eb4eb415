// Package scheduler runs the pipeline's periodic jobs. Each job ticks on its
// own fixed interval and is single-flight: a tick that fires while the
// previous run is still in progress is coalesced, never queued.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parcelwatch/parcelwatch/internal/metrics"
)

// misfireGrace is how late a tick can be before it counts as a misfire.
// Late ticks still run exactly once; the ticker never queues more than one.
const misfireGrace = 5 * time.Minute

// Func is one scheduled job body. Errors are reported in the job snapshot
// and logged; they never stop the loop.
type Func func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	run      Func

	inFlight atomic.Bool

	mu           sync.Mutex
	lastStarted  time.Time
	lastFinished time.Time
	lastError    string
	runs         int64
	skips        int64
	misfires     int64
}

// tryRun executes the job body if no run is in flight, clearing the flag on
// the way out. Returns false if the tick was coalesced.
func (j *job) tryRun(ctx context.Context) bool {
	if !j.inFlight.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.skips++
		j.mu.Unlock()
		metrics.SchedulerRunsSkipped.WithLabelValues(j.name).Inc()
		log.Printf("scheduler: %s still running, skipping tick", j.name)
		return false
	}
	defer j.inFlight.Store(false)

	started := time.Now()
	j.mu.Lock()
	j.lastStarted = started
	j.runs++
	j.mu.Unlock()

	err := j.run(ctx)

	j.mu.Lock()
	j.lastFinished = time.Now()
	if err != nil {
		j.lastError = err.Error()
	} else {
		j.lastError = ""
	}
	j.mu.Unlock()

	if err != nil {
		log.Printf("scheduler: %s failed: %v", j.name, err)
	}
	return true
}

// JobStatus is a point-in-time snapshot of one scheduled job.
type JobStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	LastStarted  time.Time     `json:"last_started,omitzero"`
	LastFinished time.Time     `json:"last_finished,omitzero"`
	NextRun      time.Time     `json:"next_run,omitzero"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int64         `json:"runs"`
	Skips        int64         `json:"skips"`
	Misfires     int64         `json:"misfires"`
}

// Scheduler owns the periodic job loops. It is constructed by the process
// composition root with its dependencies injected via AddJob closures; there
// are no package-level singletons.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New() *Scheduler {
	return &Scheduler{}
}

// AddJob registers a periodic job. Must be called before Start.
func (s *Scheduler) AddJob(name string, interval time.Duration, run Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, interval: interval, run: run})
}

// Start launches one goroutine per job. Each runs its job once immediately,
// then on every tick. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		log.Printf("scheduler: already running, ignoring start request")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
		log.Printf("scheduler: %s scheduled every %s", j.name, j.interval)
	}
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	s.dispatch(ctx, j)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: %s shutting down", j.name)
			return
		case fired := <-ticker.C:
			s.onTick(ctx, j, fired)
		}
	}
}

// onTick handles one ticker fire. A tick older than misfireGrace means the
// loop was stalled (process suspend, goroutine starvation); it is recorded
// as a misfire but still dispatched exactly once, the run flag coalesces
// any overlap.
func (s *Scheduler) onTick(ctx context.Context, j *job, fired time.Time) {
	if lag := time.Since(fired); lag > misfireGrace {
		j.mu.Lock()
		j.misfires++
		j.mu.Unlock()
		log.Printf("scheduler: %s tick late by %s, running coalesced", j.name, lag.Round(time.Second))
	}
	s.dispatch(ctx, j)
}

// dispatch starts the run in its own goroutine so the loop keeps draining
// ticks while a run is in progress. Stop waits for dispatched runs through
// the scheduler wait group.
func (s *Scheduler) dispatch(ctx context.Context, j *job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		j.tryRun(ctx)
	}()
}

// Stop cancels the loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		log.Printf("scheduler: not running, ignoring stop request")
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	log.Printf("scheduler: stopping")
	cancel()
	s.wg.Wait()
	log.Printf("scheduler: stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Jobs returns a snapshot of every registered job for monitoring.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	jobs := s.jobs
	running := s.running
	s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		status := JobStatus{
			Name:         j.name,
			Interval:     j.interval,
			Running:      j.inFlight.Load(),
			LastStarted:  j.lastStarted,
			LastFinished: j.lastFinished,
			LastError:    j.lastError,
			Runs:         j.runs,
			Skips:        j.skips,
			Misfires:     j.misfires,
		}
		if running && !j.lastStarted.IsZero() {
			status.NextRun = j.lastStarted.Add(j.interval)
		}
		j.mu.Unlock()
		statuses = append(statuses, status)
	}
	return statuses
}
