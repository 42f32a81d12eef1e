package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"log/slog"
)

// countingWorker records its Run invocations and delegates behaviour.
type countingWorker struct {
	calls int64
	run   func(ctx context.Context) error
}

func (w *countingWorker) Run(ctx context.Context) error {
	atomic.AddInt64(&w.calls, 1)
	return w.run(ctx)
}

func (w *countingWorker) Calls() int64 {
	return atomic.LoadInt64(&w.calls)
}

func TestSupervisor_RestartOnPanic(t *testing.T) {
	req := require.New(t)
	log := slog.Default()

	// Given a worker panicking on every run
	worker := &countingWorker{run: func(context.Context) error {
		panic("boom")
	}}

	sup := NewSupervisor(log, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// When the supervisor runs it until the deadline
	sup.Add(worker).Run(ctx)

	// Then the worker was restarted at least once
	req.GreaterOrEqual(worker.Calls(), int64(2))
}

func TestSupervisor_StopOnSuccess(t *testing.T) {
	req := require.New(t)
	log := slog.Default()

	// Given a worker finishing cleanly
	worker := &countingWorker{run: func(context.Context) error {
		return nil
	}}

	sup := NewSupervisor(log, 50*time.Millisecond)

	// Given a channel to notify when Run() terminated
	done := make(chan struct{})

	go func() {
		sup.Add(worker).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
		// Then the supervisor retired the worker and stopped
	case <-time.After(500 * time.Millisecond):
		req.Fail("Supervisor should have stopped after worker success")
	}
	req.Equal(int64(1), worker.Calls())
}

func TestSupervisor_Stop_Cancels_Workers(t *testing.T) {
	req := require.New(t)
	log := slog.Default()

	// Given a worker blocking until its context is canceled
	worker := &countingWorker{run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	sup := NewSupervisor(log, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		sup.Add(worker).Run(context.Background())
		close(done)
	}()

	// When Stop is called after the worker has started
	require.Eventually(t, func() bool { return worker.Calls() == 1 }, time.Second, 10*time.Millisecond)
	sup.Stop()

	// Then Run unblocks without restarting the worker
	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("Supervisor should have unblocked after Stop")
	}
	req.Equal(int64(1), worker.Calls())
}
