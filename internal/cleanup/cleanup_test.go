package cleanup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedUploaded inserts one reading per age and marks it uploaded that long
// ago. It returns the ids in the same order.
func seedUploaded(t *testing.T, s *storage.Store, now time.Time, ages ...time.Duration) []int64 {
	t.Helper()
	ctx := context.Background()
	d, _, err := s.RegisterDevice(ctx, storage.Device{ExternalID: "bms-1", Type: "battery"})
	require.NoError(t, err)

	ids := make([]int64, len(ages))
	for i, age := range ages {
		id, err := s.InsertReading(ctx, storage.NewReading{
			DeviceID: d.ID,
			Payload:  reading.Payload{"voltage": reading.Number(12)},
			Quality:  100,
		})
		require.NoError(t, err)
		_, err = s.MarkUploaded(ctx, []int64{id}, now.Add(-age))
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

const day = 24 * time.Hour

func TestRunOnceRetentionBoundary(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	ids := seedUploaded(t, s, now, 8*day, 6*day)

	// One pending reading, however old, must survive.
	_, err := s.InsertReading(context.Background(), storage.NewReading{
		DeviceID:  1,
		Payload:   reading.Payload{"voltage": reading.Number(11)},
		Quality:   100,
		CreatedAt: now.Add(-30 * day),
	})
	require.NoError(t, err)

	c := New(s, Options{RetentionDays: 7})
	c.now = func() time.Time { return now }

	dry, err := c.RunOnce(context.Background(), 7, true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.EqualValues(t, 1, dry.Deleted)
	require.NotNil(t, dry.Oldest)

	res, err := c.RunOnce(context.Background(), 7, false)
	require.NoError(t, err)
	assert.Equal(t, dry.Deleted, res.Deleted)

	left, err := s.ListReadings(context.Background(), storage.ReadingQuery{})
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, ids[1], left[0].ID)
	assert.False(t, left[1].Uploaded)
}

func TestRunOnceDefaultsToConfiguredRetention(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	seedUploaded(t, s, now, 4*day, 2*day)

	c := New(s, Options{RetentionDays: 3})
	c.now = func() time.Time { return now }

	res, err := c.RunOnce(context.Background(), 0, false)
	require.NoError(t, err)
	assert.Equal(t, 3, res.RetentionDays)
	assert.EqualValues(t, 1, res.Deleted)
}

func TestRunOncePrunesUploadLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	for i, age := range []time.Duration{40 * day, time.Hour} {
		require.NoError(t, s.LogUploadAttempt(ctx, storage.UploadAttempt{
			BatchID:     string(rune('a' + i)),
			DataType:    "battery",
			Status:      storage.UploadSuccess,
			AttemptedAt: now.Add(-age),
		}))
	}

	c := New(s, Options{})
	c.now = func() time.Time { return now }

	res, err := c.RunOnce(ctx, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.AttemptsPruned)

	attempts, err := s.RecentUploadAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "b", attempts[0].BatchID)
}

// blockingStore holds CountUploadedOlderThan until released.
type blockingStore struct {
	Store
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingStore) CountUploadedOlderThan(ctx context.Context, cutoff time.Time) (storage.RetentionCount, error) {
	b.calls.Add(1)
	<-b.release
	return storage.RetentionCount{Count: 3}, nil
}

func TestRunOnceCollapsesConcurrentCalls(t *testing.T) {
	bs := &blockingStore{release: make(chan struct{})}
	c := New(bs, Options{})

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.RunOnce(context.Background(), 7, true)
			assert.NoError(t, err)
			results[i] = res
		}()
	}

	require.Eventually(t, func() bool { return bs.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(bs.release)
	wg.Wait()

	assert.EqualValues(t, 1, bs.calls.Load())
	for _, r := range results {
		assert.EqualValues(t, 3, r.Deleted)
	}
}

type failingStore struct {
	Store
}

func (failingStore) CountUploadedOlderThan(context.Context, time.Time) (storage.RetentionCount, error) {
	return storage.RetentionCount{}, storage.ErrStoreUnavailable
}

func TestRunOnceStoreUnavailable(t *testing.T) {
	c := New(failingStore{}, Options{})
	_, err := c.RunOnce(context.Background(), 7, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStoreUnavailable))
}

func TestRunStopsOnCancel(t *testing.T) {
	s := openTestStore(t)
	c := New(s, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
