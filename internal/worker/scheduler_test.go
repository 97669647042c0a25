package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trendscope/trendscope/internal/models"
)

type fakeRunner struct {
	mu    sync.Mutex
	runs  int
	block chan struct{} // when set, Run waits on it
	err   error
}

func (f *fakeRunner) Run(_ context.Context) (*models.PipelineRun, error) {
	f.mu.Lock()
	f.runs++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return &models.PipelineRun{Status: models.RunStatusFailed}, f.err
	}
	return &models.PipelineRun{Status: models.RunStatusSucceeded, Reason: models.ReasonOK}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func TestScheduler_RunsImmediatelyOnStart(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runner.count() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestScheduler_SkipsTickWhileRunInProgress(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s := NewScheduler(runner, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	// Let several ticks elapse while the first run is still blocked.
	assert.Eventually(t, func() bool { return runner.count() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, runner.count(), "overlapping ticks must be dropped")

	// Unblock; subsequent ticks run again.
	close(runner.block)
	runner.mu.Lock()
	runner.block = nil
	runner.mu.Unlock()

	assert.Eventually(t, func() bool { return runner.count() >= 2 },
		time.Second, 5*time.Millisecond)
}

func TestScheduler_KeepsTickingAfterFailedRun(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	s := NewScheduler(runner, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	assert.Eventually(t, func() bool { return runner.count() >= 3 },
		time.Second, 5*time.Millisecond)
}
