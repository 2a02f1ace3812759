package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrants/ChaasKit-sub001/internal/config"
	"github.com/ferrants/ChaasKit-sub001/internal/connection"
	"github.com/ferrants/ChaasKit-sub001/internal/principal"
)

func fastBackOff() Option {
	return WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) })
}

func newTestRunner(t *testing.T, cfg config.TasksConfig) *Runner {
	t.Helper()
	r := NewRunner(cfg, fastBackOff())
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

func TestRunner_RetriesUntilSuccess(t *testing.T) {
	r := newTestRunner(t, config.TasksConfig{MaxAttempts: 5})

	var calls atomic.Int32
	done := make(chan struct{})
	require.NoError(t, r.Submit(Task{Kind: KindConnectGlobal, Key: "a", Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	}}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not succeed")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunner_StopsAfterMaxAttempts(t *testing.T) {
	r := newTestRunner(t, config.TasksConfig{MaxAttempts: 3})

	var calls atomic.Int32
	require.NoError(t, r.Submit(Task{Kind: KindConnectGlobal, Key: "a", Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}}))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunner_PermanentErrorIsNotRetried(t *testing.T) {
	r := newTestRunner(t, config.TasksConfig{MaxAttempts: 5})

	var calls atomic.Int32
	require.NoError(t, r.Submit(Task{Kind: KindConnectGlobal, Key: "a", Run: func(context.Context) error {
		calls.Add(1)
		return Permanent(errors.New("misconfigured"))
	}}))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunner_SubmitBeforeStartAndAfterStop(t *testing.T) {
	r := NewRunner(config.TasksConfig{Workers: 1}, fastBackOff())

	ran := make(chan struct{})
	require.NoError(t, r.Submit(Task{Kind: KindWarmConnection, Key: "k", Run: func(context.Context) error {
		close(ran)
		return nil
	}}))

	r.Start(context.Background())
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("queued task did not run after Start")
	}

	r.Stop()
	err := r.Submit(Task{Kind: KindWarmConnection, Key: "k", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRunner_StopCancelsRunningTasks(t *testing.T) {
	r := NewRunner(config.TasksConfig{Workers: 1}, fastBackOff())
	r.Start(context.Background())

	started := make(chan struct{})
	require.NoError(t, r.Submit(Task{Kind: KindWarmConnection, Key: "k", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestQueue_DeduplicatesAndBounds(t *testing.T) {
	q := newQueue(2)
	noop := func(context.Context) error { return nil }

	require.NoError(t, q.add(Task{Kind: KindWarmConnection, Key: "a", Run: noop}))
	require.NoError(t, q.add(Task{Kind: KindWarmConnection, Key: "a", Run: noop}))
	require.NoError(t, q.add(Task{Kind: KindConnectGlobal, Key: "a", Run: noop}))
	assert.Equal(t, 2, q.len())

	assert.ErrorIs(t, q.add(Task{Kind: KindWarmConnection, Key: "b", Run: noop}), ErrQueueFull)

	ctx := context.Background()
	first, ok := q.get(ctx)
	require.True(t, ok)
	assert.Equal(t, "warm_connection/a", first.key())

	// Resubmitted while running: queued again once done.
	require.NoError(t, q.add(Task{Kind: KindWarmConnection, Key: "a", Run: noop}))
	assert.Equal(t, 1, q.len())
	q.done(first)
	assert.Equal(t, 2, q.len())

	q.shutdown()
	assert.ErrorIs(t, q.add(Task{Kind: KindWarmConnection, Key: "c", Run: noop}), ErrStopped)

	// Queued tasks drain after shutdown, then get reports closed.
	_, ok = q.get(ctx)
	assert.True(t, ok)
	_, ok = q.get(ctx)
	assert.True(t, ok)
	_, ok = q.get(ctx)
	assert.False(t, ok)
}

func TestQueue_GetHonoursContext(t *testing.T) {
	q := newQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.get(ctx)
	assert.False(t, ok)
}

type fakeConnector struct {
	global, user, team []string
	err                error
}

func (f *fakeConnector) Connect(_ context.Context, server config.MCPServer) (*connection.ManagedConnection, error) {
	f.global = append(f.global, server.ID)
	return nil, f.err
}

func (f *fakeConnector) GetForUser(_ context.Context, server config.MCPServer, userID string) (*connection.ManagedConnection, error) {
	f.user = append(f.user, userID+"/"+server.ID)
	return nil, f.err
}

func (f *fakeConnector) GetForTeam(_ context.Context, server config.MCPServer, teamID string) (*connection.ManagedConnection, error) {
	f.team = append(f.team, teamID+"/"+server.ID)
	return nil, f.err
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	server := config.MCPServer{ID: "docs"}
	f := &fakeConnector{}

	require.NoError(t, ConnectGlobal(f, server).Run(ctx))
	require.NoError(t, WarmConnection(f, server, principal.User("alice")).Run(ctx))
	require.NoError(t, WarmConnection(f, server, principal.Team("t1")).Run(ctx))
	assert.Equal(t, []string{"docs"}, f.global)
	assert.Equal(t, []string{"alice/docs"}, f.user)
	assert.Equal(t, []string{"t1/docs"}, f.team)

	assert.Equal(t, "warm_connection/user:alice/docs", WarmConnection(f, server, principal.User("alice")).key())

	f.err = connection.ErrNotConfigured
	err := ConnectGlobal(f, server).Run(ctx)
	var permanent *backoff.PermanentError
	assert.ErrorAs(t, err, &permanent)

	f.err = errors.New("connection refused")
	err = ConnectGlobal(f, server).Run(ctx)
	assert.False(t, errors.As(err, &permanent))
}
