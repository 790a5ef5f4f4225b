package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalScheduleNext(t *testing.T) {
	after := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := Every(10 * time.Minute)
	assert.Equal(t, after.Add(10*time.Minute), s.Next(after))
}

func TestDailyScheduleNext(t *testing.T) {
	s := Daily(3, 30)

	// Before today's run time: fires later the same day.
	after := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC), s.Next(after))

	// After today's run time: rolls over to tomorrow.
	after = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC), s.Next(after))

	// Exactly at the run time: next is strictly after, so tomorrow.
	after = time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC), s.Next(after))
}

func TestAddValidation(t *testing.T) {
	s := New(nil)
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.Add(&Job{Name: "no id", Schedule: Every(time.Hour), Func: noop}))
	assert.Error(t, s.Add(&Job{ID: "a", Name: "no schedule", Func: noop}))
	assert.Error(t, s.Add(&Job{ID: "a", Name: "no func", Schedule: Every(time.Hour)}))

	require.NoError(t, s.Add(&Job{ID: "a", Name: "first", Schedule: Every(time.Hour), Func: noop}))
	err := s.Add(&Job{ID: "a", Name: "dup", Schedule: Every(time.Hour), Func: noop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRunUnknownJob(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.Run("missing"))
}

func TestRunUpdatesStatus(t *testing.T) {
	s := New(nil)
	done := make(chan struct{}, 1)
	require.NoError(t, s.Add(&Job{
		ID:       "ok",
		Name:     "ok job",
		Schedule: Every(time.Hour),
		Func: func(ctx context.Context) error {
			done <- struct{}{}
			return nil
		},
	}))

	s.Start()
	defer s.Stop()

	require.NoError(t, s.Run("ok"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}

	status := waitForRun(t, s, "ok")
	assert.Equal(t, int64(1), status.RunCount)
	assert.Equal(t, int64(0), status.ErrorCount)
	assert.Empty(t, status.LastError)
	assert.False(t, status.LastRun.IsZero())
}

func TestRunRecordsError(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(&Job{
		ID:       "bad",
		Name:     "bad job",
		Schedule: Every(time.Hour),
		Func: func(ctx context.Context) error {
			return errors.New("disk on fire")
		},
	}))

	s.Start()
	defer s.Stop()

	require.NoError(t, s.Run("bad"))
	status := waitForRun(t, s, "bad")
	assert.Equal(t, int64(1), status.ErrorCount)
	assert.Equal(t, "disk on fire", status.LastError)
}

func TestRunOnStart(t *testing.T) {
	s := New(nil)
	done := make(chan struct{}, 1)
	require.NoError(t, s.Add(&Job{
		ID:         "eager",
		Name:       "eager job",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			done <- struct{}{}
			return nil
		},
	}))

	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnStart job did not fire")
	}
}

func TestStatusSortedByName(t *testing.T) {
	s := New(nil)
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Add(&Job{ID: "z", Name: "zulu", Schedule: Every(time.Hour), Func: noop}))
	require.NoError(t, s.Add(&Job{ID: "a", Name: "alpha", Schedule: Every(time.Hour), Func: noop}))

	statuses := s.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "alpha", statuses[0].Name)
	assert.Equal(t, "zulu", statuses[1].Name)
	assert.False(t, statuses[0].NextRun.IsZero())
}

func TestJobTimeout(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add(&Job{
		ID:       "slow",
		Name:     "slow job",
		Schedule: Every(time.Hour),
		Timeout:  10 * time.Millisecond,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	s.Start()
	defer s.Stop()

	require.NoError(t, s.Run("slow"))
	status := waitForRun(t, s, "slow")
	assert.Equal(t, int64(1), status.ErrorCount)
	assert.Contains(t, status.LastError, "context deadline exceeded")
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(nil)
	s.Start()
	s.Stop()
	s.Stop()
}

func waitForRun(t *testing.T, s *Scheduler, id string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, st := range s.Status() {
			if st.ID == id && st.RunCount > 0 {
				return st
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never completed", id)
	return JobStatus{}
}
