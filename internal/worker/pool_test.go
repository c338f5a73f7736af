// README: Tests for the side-effect worker pool.
package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolRunsAndDrains(t *testing.T) {
	p := NewPool(2, 16, time.Second, zap.NewNop())

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		ok := p.Submit("count", func(context.Context) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		})
		require.True(t, ok)
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 10, ran)
	assert.Equal(t, int64(10), p.Stats().Submitted)
	assert.False(t, p.Submit("late", func(context.Context) error { return nil }))
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := NewPool(1, 1, time.Second, zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{})

	require.True(t, p.Submit("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.True(t, p.Submit("queued", func(context.Context) error { return nil }))
	assert.False(t, p.Submit("overflow", func(context.Context) error { return nil }))

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int64(1), p.Stats().Dropped)
}

func TestPoolCountsFailuresAndPanics(t *testing.T) {
	p := NewPool(1, 4, time.Second, zap.NewNop())
	p.Submit("fail", func(context.Context) error { return errors.New("upstream down") })
	p.Submit("panic", func(context.Context) error { panic("boom") })
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int64(2), p.Stats().Failed)
}

func TestJobsGetDeadline(t *testing.T) {
	p := NewPool(1, 1, 50*time.Millisecond, zap.NewNop())
	var hadDeadline bool
	p.Submit("deadline", func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})
	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, hadDeadline)
}
