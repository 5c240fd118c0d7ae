package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-story-cache/logger"
	"github.com/saiset-co/sai-story-cache/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(context.Background(), &types.CronConfig{Enabled: true, Timezone: "UTC"}, logger.NewNopLogger(), nil)
	require.NoError(t, err)
	return m
}

func TestManager_AddValidation(t *testing.T) {
	m := newTestManager(t)
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, m.Add("", "@every 1m", noop), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("purge", "", noop), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, m.Add("purge", "@every 1m", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("purge", "not a schedule", noop), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("purge", "@every 1m", noop))
	assert.ErrorIs(t, m.Add("purge", "@every 1m", noop), types.ErrCronJobExists)

	require.NoError(t, m.Add("five-field", "*/5 * * * *", noop))
	require.NoError(t, m.Add("six-field", "30 */5 * * * *", noop))
}

func TestManager_RunRecordsStats(t *testing.T) {
	m := newTestManager(t)

	var calls atomic.Int32
	require.NoError(t, m.Add("warm", "@every 10m", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}))
	require.NoError(t, m.Add("broken", "@every 10m", func(ctx context.Context) error {
		return errors.New("remote down")
	}))

	require.NoError(t, m.Run("warm"))
	require.NoError(t, m.Run("warm"))
	assert.Error(t, m.Run("broken"))
	assert.ErrorIs(t, m.Run("missing"), types.ErrCronJobNotFound)

	assert.Equal(t, int32(2), calls.Load())

	jobs := m.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "broken", jobs[0].Name)
	assert.Equal(t, "remote down", jobs[0].LastError)
	assert.Equal(t, "warm", jobs[1].Name)
	assert.Equal(t, int64(2), jobs[1].RunCount)
	assert.Empty(t, jobs[1].LastError)
	assert.False(t, jobs[1].LastRun.IsZero())
}

func TestManager_RunRecoversPanic(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Add("panicky", "@every 1h", func(context.Context) error {
		panic("boom")
	}))

	err := m.Run("panicky")
	assert.ErrorIs(t, err, types.ErrCronJobFailed)
}

func TestManager_RunTimeout(t *testing.T) {
	m := newTestManager(t)
	m.SetJobTimeout(20 * time.Millisecond)

	require.NoError(t, m.Add("slow", "@every 1h", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	assert.ErrorIs(t, m.Run("slow"), types.ErrCronJobTimeout)
}

func TestManager_Lifecycle(t *testing.T) {
	m := newTestManager(t)

	assert.False(t, m.IsRunning())
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrCronIsRunning)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())

	noop := func(context.Context) error { return nil }
	assert.ErrorIs(t, m.Add("late", "@every 1m", noop), types.ErrCronSchedulerStopped)
}

func TestManager_ScheduledJobFires(t *testing.T) {
	m := newTestManager(t)

	fired := make(chan struct{}, 1)
	require.NoError(t, m.Add("tick", "@every 1s", func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))

	require.NoError(t, m.Start())
	defer func() { _ = m.Stop() }()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
	}
}

func TestManager_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewManager(context.Background(), nil, logger.NewNopLogger(), registry)
	require.NoError(t, err)

	require.NoError(t, m.Add("purge", "@every 1m", func(context.Context) error { return nil }))
	require.NoError(t, m.Run("purge"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("purge", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.active))

	_, err = NewManager(context.Background(), nil, logger.NewNopLogger(), registry)
	assert.Error(t, err)
}
