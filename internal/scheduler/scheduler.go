// Package scheduler runs periodic maintenance jobs: traffic retention,
// stale device sweeps, and liveness probing.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/logging"
)

// JobFunc performs a scheduled job. The context is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

// Job is one registered maintenance job.
type Job struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       JobFunc
	RunOnStart bool
	Timeout    time.Duration
}

// JobStatus reports a job's run history for the status API.
type JobStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

type jobEntry struct {
	job     *Job
	status  JobStatus
	nextRun time.Time
}

// Scheduler runs registered jobs on their schedules.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*jobEntry
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		jobs:   make(map[string]*jobEntry),
		logger: logger.WithComponent("scheduler"),
	}
}

// Add registers a job. Jobs must be registered before Start.
func (s *Scheduler) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Schedule == nil {
		return fmt.Errorf("job schedule is required")
	}
	if job.Func == nil {
		return fmt.Errorf("job function is required")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already registered", job.ID)
	}

	entry := &jobEntry{
		job:     job,
		status:  JobStatus{ID: job.ID, Name: job.Name},
		nextRun: job.Schedule.Next(clock.Now()),
	}
	entry.status.NextRun = entry.nextRun
	s.jobs[job.ID] = entry

	s.logger.Debug("Job registered", "id", job.ID, "next_run", entry.nextRun.Format(time.RFC3339))
	return nil
}

// Run triggers a job immediately regardless of its schedule.
func (s *Scheduler) Run(id string) error {
	s.mu.RLock()
	entry, exists := s.jobs[id]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job %s not found", id)
	}
	go s.execute(entry)
	return nil
}

// Status returns all job statuses sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		out = append(out, entry.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running jobs. RunOnStart jobs fire immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.mu.Unlock()

	s.mu.RLock()
	for _, entry := range s.jobs {
		if entry.job.RunOnStart {
			go s.execute(entry)
		}
	}
	s.mu.RUnlock()

	go s.loop()
	s.logger.Info("Scheduler started")
}

// Stop cancels running jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := clock.Now()
			s.mu.RLock()
			for _, entry := range s.jobs {
				if !entry.nextRun.IsZero() && !now.Before(entry.nextRun) {
					go s.execute(entry)
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Scheduler) execute(entry *jobEntry) {
	s.wg.Add(1)
	defer s.wg.Done()

	job := entry.job

	// Advance nextRun before the job runs so a slow job is not fired
	// again on the next tick.
	s.mu.Lock()
	entry.nextRun = job.Schedule.Next(clock.Now())
	entry.status.NextRun = entry.nextRun
	s.mu.Unlock()

	ctx := s.ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, job.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	defer cancel()

	start := clock.Now()
	err := job.Func(ctx)
	duration := clock.Since(start)

	s.mu.Lock()
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
		s.logger.Warn("Job failed", "id", job.ID, "error", err, "duration", duration)
	} else {
		entry.status.LastError = ""
		s.logger.Debug("Job completed", "id", job.ID, "duration", duration)
	}
	s.mu.Unlock()
}
