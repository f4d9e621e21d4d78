package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecordsFirstError(t *testing.T) {
	s := New(context.Background())
	done := s.Go("failing", func(context.Context) error { return errors.New("boom") })
	<-done
	s.Go("clean", func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)
	require.Error(t, err)
	assert.Equal(t, "failing: boom", err.Error())
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	<-s.Go("panicky", func(context.Context) error { panic("oops") })

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, uint64(1), snap.Goroutines[0].Panics)
	assert.Equal(t, "panicky: panic: oops", snap.FirstError)
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(context.Context) error { return errors.New("boom") })
	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled")
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	done := s.GoRestart("loop", context.Background(), func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("restart loop did not finish")
	}
	assert.Equal(t, int32(3), runs.Load())
	assert.NoError(t, s.Err())

	var loop GoroutineStats
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "loop" {
			loop = g
		}
	}
	assert.Equal(t, uint64(3), loop.Started)
	assert.Equal(t, uint64(2), loop.Restarts)
	assert.Equal(t, "transient", loop.LastErr)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	<-s.GoRestart("loop", context.Background(), func(context.Context) error {
		runs.Add(1)
		return errors.New("down")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	assert.Equal(t, int32(3), runs.Load())
	require.Error(t, s.Err())
}

func TestGoRestartStopsWithOwnContext(t *testing.T) {
	s := New(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := s.GoRestart("loop", ctx, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop ignored its context")
	}
	assert.NoError(t, s.Err())
	assert.NoError(t, s.Context().Err())
}
