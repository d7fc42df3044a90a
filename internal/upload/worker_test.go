package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/storage"
)

type sendResult struct {
	out Outcome
	err error
	// acceptFirst, when > 0, builds a partial outcome over the first n records.
	acceptFirst int
}

// scriptedSender replays results in order and then accepts everything.
type scriptedSender struct {
	mu      sync.Mutex
	script  []sendResult
	batches []Batch
}

func (s *scriptedSender) Send(ctx context.Context, b Batch) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	if len(s.script) == 0 {
		return Outcome{StatusCode: 200}, nil
	}
	r := s.script[0]
	s.script = s.script[1:]
	if r.acceptFirst > 0 {
		out := Outcome{StatusCode: 200, Partial: true}
		for _, rec := range b.Records[:r.acceptFirst] {
			out.Accepted = append(out.Accepted, rec.ID)
		}
		return out, nil
	}
	return r.out, r.err
}

func (s *scriptedSender) sent() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *storage.Store, externalID, typ string, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	d, _, err := s.RegisterDevice(ctx, storage.Device{ExternalID: externalID, Type: typ})
	require.NoError(t, err)
	ids := make([]int64, 0, n)
	for i := range n {
		id, err := s.InsertReading(ctx, storage.NewReading{
			DeviceID: d.ID,
			Payload:  reading.Payload{"voltage": reading.Number(float64(12 + i))},
			Quality:  100,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func newTestWorker(t *testing.T, s Store, sender Sender, opts Options) *Worker {
	t.Helper()
	if opts.Source == "" {
		opts.Source = "gw-test"
	}
	w, err := NewWorker(s, sender, opts)
	require.NoError(t, err)
	return w
}

func pending(t *testing.T, s *storage.Store) int64 {
	t.Helper()
	n, err := s.CountPending(context.Background())
	require.NoError(t, err)
	return n
}

func TestRunOnceUploadsAndMarks(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "bms-1", "battery", 5)
	sender := &scriptedSender{}
	w := newTestWorker(t, s, sender, Options{BatchSize: 100})

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Batches: 1, Accepted: 5}, res)
	assert.Zero(t, pending(t, s))

	batches := sender.sent()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, "gw-test", b.Source)
	assert.Equal(t, "battery", b.DataType)
	assert.NotEmpty(t, b.ID)
	require.Len(t, b.Records, 5)
	assert.Equal(t, "bms-1", b.Records[0].SensorID)
	assert.Equal(t, 12.0, b.Records[0].Data["voltage"])

	attempts, err := s.RecentUploadAttempts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, storage.UploadSuccess, attempts[0].Status)
	assert.Equal(t, b.ID, attempts[0].BatchID)
	assert.Equal(t, 5, attempts[0].RecordCount)
	assert.Equal(t, 5, attempts[0].AcceptedCount)
	assert.Equal(t, 200, attempts[0].StatusCode)

	// Marked readings are never re-sent.
	res, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
	assert.Len(t, sender.sent(), 1)
}

func TestRunOnceNothingPending(t *testing.T) {
	s := openTestStore(t)
	sender := &scriptedSender{}
	w := newTestWorker(t, s, sender, Options{})

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
	assert.Empty(t, sender.sent())
	assert.Equal(t, StateIdle, w.State())
}

func TestFailedUploadsKeepReadingsPending(t *testing.T) {
	s := openTestStore(t)
	ids := seed(t, s, "bms-1", "battery", 3)
	unreachable := &SendError{Err: errors.New("connection refused")}
	sender := &scriptedSender{script: []sendResult{
		{err: unreachable},
		{err: &SendError{StatusCode: 503, Err: errors.New("unavailable")}},
		{err: unreachable},
	}}
	w := newTestWorker(t, s, sender, Options{})
	ctx := context.Background()

	for range 3 {
		_, err := w.RunOnce(ctx)
		require.ErrorIs(t, err, ErrUploadFailed)
		assert.EqualValues(t, 3, pending(t, s))
	}

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Accepted)
	assert.Zero(t, pending(t, s))

	// Every attempt carried the same readings.
	for _, b := range sender.sent() {
		got := make([]int64, len(b.Records))
		for i, r := range b.Records {
			got[i] = r.ID
		}
		assert.Equal(t, ids, got)
	}

	attempts, err := s.RecentUploadAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	statuses := map[string]int{}
	for _, a := range attempts {
		statuses[a.Status]++
		if a.Status == storage.UploadFailed && a.StatusCode == 503 {
			assert.Contains(t, a.ErrorDetail, "unavailable")
		}
	}
	assert.Equal(t, map[string]int{storage.UploadFailed: 3, storage.UploadSuccess: 1}, statuses)
}

func TestPartialAcceptance(t *testing.T) {
	s := openTestStore(t)
	ids := seed(t, s, "bms-1", "battery", 10)
	sender := &scriptedSender{script: []sendResult{{acceptFirst: 7}}}
	w := newTestWorker(t, s, sender, Options{MaxBatchesPerCycle: 1})
	ctx := context.Background()

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Accepted)

	rest, err := s.FetchPending(ctx, 100, storage.PendingFilter{})
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, ids[7:], []int64{rest[0].ID, rest[1].ID, rest[2].ID})

	attempts, err := s.RecentUploadAttempts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, storage.UploadPartial, attempts[0].Status)
	assert.Equal(t, 10, attempts[0].RecordCount)
	assert.Equal(t, 7, attempts[0].AcceptedCount)
}

func TestPartialBatchWaitsForNextCycle(t *testing.T) {
	s := openTestStore(t)
	ids := seed(t, s, "bms-1", "battery", 20)
	sender := &scriptedSender{script: []sendResult{{acceptFirst: 7}}}
	w := newTestWorker(t, s, sender, Options{BatchSize: 10})
	ctx := context.Background()

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Batches: 1, Accepted: 7}, res)
	require.Len(t, sender.sent(), 1)
	assert.EqualValues(t, 13, pending(t, s))

	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Batches: 2, Accepted: 13}, res)
	batches := sender.sent()
	require.Len(t, batches, 3)
	assert.Equal(t, ids[7], batches[1].Records[0].ID, "rejected rows go out first in the next cycle")
	assert.Zero(t, pending(t, s))
}

func TestPartialIgnoresForeignIDs(t *testing.T) {
	s := openTestStore(t)
	ids := seed(t, s, "bms-1", "battery", 2)
	sender := &scriptedSender{script: []sendResult{{out: Outcome{StatusCode: 200, Partial: true, Accepted: []int64{ids[0], 9999}}}}}
	w := newTestWorker(t, s, sender, Options{MaxBatchesPerCycle: 1})

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.EqualValues(t, 1, pending(t, s))
}

func TestZeroAcceptedIsFailure(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "bms-1", "battery", 4)
	sender := &scriptedSender{script: []sendResult{{out: Outcome{StatusCode: 200, Partial: true}}}}
	w := newTestWorker(t, s, sender, Options{})

	_, err := w.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrUploadFailed)
	assert.EqualValues(t, 4, pending(t, s))
}

func TestDeleteRetention(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "bms-1", "battery", 4)
	w := newTestWorker(t, s, &scriptedSender{}, Options{Retention: RetainDelete})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	all, err := s.ListReadings(context.Background(), storage.ReadingQuery{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBatchesGroupedByType(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "bms-1", "battery", 3)
	seed(t, s, "ws-1", "weather", 2)
	sender := &scriptedSender{}
	w := newTestWorker(t, s, sender, Options{BatchSize: 2})

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Accepted)

	var order []string
	for _, b := range sender.sent() {
		order = append(order, b.DataType)
		for _, r := range b.Records {
			assert.Equal(t, b.DataType, r.SensorType)
		}
	}
	// Types take turns so a busy type cannot starve the others.
	assert.Equal(t, []string{"battery", "weather", "battery"}, order)
}

func TestMixedGrouping(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "bms-1", "battery", 2)
	seed(t, s, "ws-1", "weather", 2)
	sender := &scriptedSender{}
	w := newTestWorker(t, s, sender, Options{Grouping: GroupMixed})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	batches := sender.sent()
	require.Len(t, batches, 1)
	assert.Equal(t, MixedDataType, batches[0].DataType)
	assert.Len(t, batches[0].Records, 4)
}

func TestMaxBatchesPerCycle(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "bms-1", "battery", 10)
	sender := &scriptedSender{}
	w := newTestWorker(t, s, sender, Options{BatchSize: 2, MaxBatchesPerCycle: 3})

	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Batches: 3, Accepted: 6}, res)
	assert.EqualValues(t, 4, pending(t, s))
}

func TestNewWorkerRejectsUnknownPolicies(t *testing.T) {
	_, err := NewWorker(nil, nil, Options{Grouping: "device"})
	assert.Error(t, err)
	_, err = NewWorker(nil, nil, Options{Retention: "archive"})
	assert.Error(t, err)
}

func TestRunBacksOffAndRecovers(t *testing.T) {
	s := openTestStore(t)
	seed(t, s, "bms-1", "battery", 1)
	sender := &scriptedSender{script: []sendResult{
		{err: &SendError{Err: errors.New("down")}},
	}}
	w := newTestWorker(t, s, sender, Options{
		Interval:       time.Hour,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return pending(t, s) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return w.Status().ConsecutiveFailures == 0 }, time.Second, 5*time.Millisecond)
	st := w.Status()
	assert.False(t, st.LastSuccess.IsZero())
	assert.Empty(t, st.LastError)

	cancel()
	require.NoError(t, <-done)
	assert.Len(t, sender.sent(), 2)
}
