package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	s := NewSupervisor(WithRestartBackoff(time.Millisecond, 2*time.Millisecond))
	var runs atomic.Int32
	s.Add("flaky", func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("lost connection")
		}
		<-ctx.Done()
		return nil
	})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, s.Crashes("flaky"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 2, s.Crashes("flaky"))
}

func TestSupervisorGivesUpAfterMaxRestarts(t *testing.T) {
	s := NewSupervisor(WithMaxRestarts(2), WithRestartBackoff(time.Millisecond, time.Millisecond))
	var runs atomic.Int32
	s.Add("broken", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always fails")
	})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Crashes("broken") == 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(3), runs.Load())
}

func TestSupervisorStopHonoursGrace(t *testing.T) {
	s := NewSupervisor()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s.Add("stuck", func(ctx context.Context) error {
		<-release
		return nil
	})
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	assert.NoError(t, s.Stop(context.Background()), "second stop is a no-op")
}
