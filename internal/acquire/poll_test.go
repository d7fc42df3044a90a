package acquire

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/registry"
	"github.com/kalambet/sensorgate/internal/storage"
)

type countingSampler struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (c *countingSampler) Sample(ctx context.Context, dev storage.Device) (reading.Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[dev.ExternalID]++
	if c.err != nil {
		return nil, c.err
	}
	return reading.Payload{
		"voltage": reading.Number(float64(c.calls[dev.ExternalID])),
		"energy":  reading.Number(float64(1000 + c.calls[dev.ExternalID])),
	}, nil
}

func (c *countingSampler) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

func setupPoll(t *testing.T, opts PollOptions, sampler Sampler) (*PollWorker, *registry.Registry, *storage.Store) {
	t.Helper()
	s := openTestStore(t)
	reg := registry.New(s, registry.Options{OfflineThreshold: 3})
	_, err := reg.Register(context.Background(), registry.Registration{ExternalID: "bat-1", Type: TypeBattery, BusAddress: intPtr(1)})
	require.NoError(t, err)
	opts.DeviceType = TypeBattery
	return NewPollWorker(reg, sampler, s, opts), reg, s
}

func intPtr(i int) *int { return &i }

func TestPollWorkerAggregatesWindow(t *testing.T) {
	sampler := &countingSampler{}
	w, reg, s := setupPoll(t, PollOptions{Window: 5, Cumulative: []string{"energy"}}, sampler)
	ctx := context.Background()

	stored := 0
	for i := 0; i < 12; i++ {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		stored += n
	}
	assert.Equal(t, 2, stored)

	rows, err := s.FetchPending(ctx, 10, storage.PendingFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 3.0, num(t, rows[0].Payload, "voltage"))
	assert.Equal(t, 1005.0, num(t, rows[0].Payload, "energy"))
	assert.Equal(t, 8.0, num(t, rows[1].Payload, "voltage"))
	assert.Equal(t, FullQuality, rows[0].Quality)

	d, err := reg.Lookup(ctx, "bat-1")
	require.NoError(t, err)
	assert.True(t, d.Online)
}

func TestPollWorkerSamplerFailures(t *testing.T) {
	sampler := &countingSampler{err: errors.New("modbus timeout")}
	w, reg, s := setupPoll(t, PollOptions{Window: 1}, sampler)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	d, err := reg.Lookup(ctx, "bat-1")
	require.NoError(t, err)
	assert.Equal(t, 3, d.ErrorCount)
	assert.False(t, d.Online)

	pending, _ := s.CountPending(ctx)
	assert.Zero(t, pending)

	sampler.mu.Lock()
	sampler.err = nil
	sampler.mu.Unlock()
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	d, _ = reg.Lookup(ctx, "bat-1")
	assert.Zero(t, d.ErrorCount)
	assert.True(t, d.Online)
}

type flakyWriter struct {
	failures int
	inserted []storage.NewReading
}

func (f *flakyWriter) InsertReading(ctx context.Context, r storage.NewReading) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, storage.ErrStoreUnavailable
	}
	f.inserted = append(f.inserted, r)
	return int64(len(f.inserted)), nil
}

func TestPollWorkerKeepsAggregatesWhileStoreUnavailable(t *testing.T) {
	s := openTestStore(t)
	reg := registry.New(s, registry.Options{})
	_, err := reg.Register(context.Background(), registry.Registration{ExternalID: "bat-1", Type: TypeBattery})
	require.NoError(t, err)

	writer := &flakyWriter{failures: 2}
	w := NewPollWorker(reg, &countingSampler{}, writer, PollOptions{DeviceType: TypeBattery, Window: 1})
	ctx := context.Background()

	n, _ := w.RunOnce(ctx)
	assert.Zero(t, n)
	n, _ = w.RunOnce(ctx)
	assert.Zero(t, n)
	n, _ = w.RunOnce(ctx)
	assert.Equal(t, 3, n)

	require.Len(t, writer.inserted, 3)
	for i, r := range writer.inserted {
		assert.Equal(t, float64(i+1), num(t, r.Payload, "voltage"), "aggregates must stay in order")
	}
}

func TestPollWorkerBacklogDropsOldestWhenFull(t *testing.T) {
	s := openTestStore(t)
	reg := registry.New(s, registry.Options{})
	_, err := reg.Register(context.Background(), registry.Registration{ExternalID: "bat-1", Type: TypeBattery})
	require.NoError(t, err)

	writer := &flakyWriter{failures: 3}
	w := NewPollWorker(reg, &countingSampler{}, writer, PollOptions{DeviceType: TypeBattery, Window: 1, MaxBacklog: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		n, _ := w.RunOnce(ctx)
		assert.Zero(t, n)
	}
	n, _ := w.RunOnce(ctx)
	assert.Equal(t, 3, n)

	require.Len(t, writer.inserted, 3)
	for i, r := range writer.inserted {
		assert.Equal(t, float64(i+2), num(t, r.Payload, "voltage"), "the first aggregate is the one discarded")
	}
}

func TestPollWorkerFlushesPartialWindow(t *testing.T) {
	w, _, s := setupPoll(t, PollOptions{Window: 10}, &countingSampler{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := w.RunOnce(ctx)
		require.NoError(t, err)
	}
	w.flush()

	rows, err := s.FetchPending(ctx, 10, storage.PendingFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 30, rows[0].Quality)
	assert.Equal(t, 3.0, num(t, rows[0].Payload, SampleCountField))
}

func TestPollWorkerStopsPollingDisabledDevice(t *testing.T) {
	sampler := &countingSampler{}
	w, reg, _ := setupPoll(t, PollOptions{Window: 1, RefreshEvery: time.Nanosecond}, sampler)
	ctx := context.Background()

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, reg.SetEnabled(ctx, "bat-1", false))
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, sampler.count("bat-1"))
}

func TestPollWorkerRunStopsOnCancel(t *testing.T) {
	w, _, s := setupPoll(t, PollOptions{Window: 1000, Interval: time.Millisecond}, &countingSampler{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	n, err := s.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "partial window is stored on shutdown")
}
