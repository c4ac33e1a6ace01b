package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/eventweather/internal/logging"
	"github.com/lox/eventweather/internal/models"
)

type runResult struct {
	sum *Summary
	err error
}

func startScheduler(t *testing.T, roster RosterSource) (<-chan runResult, context.CancelFunc, <-chan error) {
	t.Helper()
	s := setupTestStore(t)
	clock := clockwork.NewFakeClock()
	p := NewPipeline(s, &fakeWeather{fn: sunny(70)}, PipelineOptions{Clock: clock, Logger: logging.Discard()})

	results := make(chan runResult, 4)
	sched := NewScheduler(p, roster, time.Hour, clock, logging.Discard())
	sched.AfterRun = func(sum *Summary, err error) {
		results <- runResult{sum, err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	t.Cleanup(cancel)
	return results, cancel, done
}

func TestSchedulerRunsImmediately(t *testing.T) {
	results, cancel, done := startScheduler(t, func(context.Context) ([]models.RosterEntry, error) {
		return []models.RosterEntry{annArbor}, nil
	})

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.NotNil(t, r.sum)
		assert.Equal(t, 1, r.sum.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not run")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerReportsRosterError(t *testing.T) {
	rosterErr := errors.New("roster unavailable")
	results, cancel, done := startScheduler(t, func(context.Context) ([]models.RosterEntry, error) {
		return nil, rosterErr
	})

	select {
	case r := <-results:
		assert.ErrorIs(t, r.err, rosterErr)
		assert.Nil(t, r.sum)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not run")
	}

	cancel()
	<-done
}
