// Package upload drains pending readings to the remote endpoint with
// at-least-once delivery.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sensorgate/internal/storage"
	"github.com/kalambet/sensorgate/internal/supervisor"
)

// ErrUploadFailed wraps every failed upload cycle.
var ErrUploadFailed = errors.New("upload failed")

// Retention policies applied to readings the remote accepted.
const (
	RetainMark   = "mark"
	RetainDelete = "delete"
)

// Batch grouping modes.
const (
	GroupByType = "type"
	GroupMixed  = "mixed"
)

// MixedDataType labels batches that span device types.
const MixedDataType = "mixed"

// Store defines the storage operations the Worker needs.
// Implemented by storage.Store.
type Store interface {
	PendingDataTypes(ctx context.Context) ([]storage.PendingType, error)
	FetchPending(ctx context.Context, limit int, f storage.PendingFilter) ([]storage.Reading, error)
	MarkUploaded(ctx context.Context, ids []int64, at time.Time) (int64, error)
	DeleteReadings(ctx context.Context, ids []int64) (int64, error)
	LogUploadAttempt(ctx context.Context, a storage.UploadAttempt) error
}

// Options configures a Worker.
type Options struct {
	// Source identifies this gateway in every batch.
	Source             string
	Interval           time.Duration
	BatchSize          int
	MaxBatchesPerCycle int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	Grouping           string
	Retention          string
	Logger             *slog.Logger
}

// Status is a point-in-time view of the Worker.
type Status struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success"`
	NextAttempt         time.Time `json:"next_attempt"`
}

// CycleResult summarises one upload cycle.
type CycleResult struct {
	Batches  int
	Accepted int
}

// Worker is the single consumer of pending readings.
type Worker struct {
	store   Store
	sender  Sender
	opts    Options
	backoff *Backoff
	logger  *slog.Logger
	now     func() time.Time
	batchID func() string

	state atomic.Int32

	mu     sync.Mutex
	status Status
}

// NewWorker creates a Worker with defaults for unset options: 60s interval,
// batches of 100, 10 batches per cycle, backoff from 30s to 30m, batches
// grouped by type and readings marked rather than deleted.
func NewWorker(store Store, sender Sender, opts Options) (*Worker, error) {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxBatchesPerCycle <= 0 {
		opts.MaxBatchesPerCycle = 10
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Minute
	}
	switch opts.Grouping {
	case "":
		opts.Grouping = GroupByType
	case GroupByType, GroupMixed:
	default:
		return nil, fmt.Errorf("unknown batch grouping %q", opts.Grouping)
	}
	switch opts.Retention {
	case "":
		opts.Retention = RetainMark
	case RetainMark, RetainDelete:
	default:
		return nil, fmt.Errorf("unknown retention policy %q", opts.Retention)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		sender:  sender,
		opts:    opts,
		backoff: NewBackoff(opts.BackoffInitial, opts.BackoffMax),
		logger:  logger.With("worker", "upload"),
		now:     time.Now,
		batchID: func() string { return uuid.New().String() },
	}, nil
}

// Run uploads until ctx is cancelled. Failed cycles are retried after a
// capped exponential backoff; successful ones after the regular interval.
func (w *Worker) Run(ctx context.Context) error {
	for {
		delay := w.opts.Interval
		res, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			delay = w.backoff.Next()
			w.setState(StateBackoff)
			w.recordFailure(err, delay)
			w.logger.Warn("upload cycle failed", "error", err, "retry_in", delay)
		} else {
			w.backoff.Reset()
			if res.Batches > 0 {
				w.recordSuccess()
			}
			w.setNext(delay)
		}
		supervisor.Heartbeat(ctx)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		w.setState(StateIdle)
	}
}

// RunOnce performs one upload cycle. Device types take turns, one batch
// each, until they are drained or the per-cycle batch limit is reached.
// The first failed batch ends the cycle with an error wrapping
// ErrUploadFailed.
func (w *Worker) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	w.setState(StateBatching)
	defer func() {
		if w.State() != StateBackoff {
			w.setState(StateIdle)
		}
	}()

	groups := []string{""}
	if w.opts.Grouping == GroupByType {
		types, err := w.store.PendingDataTypes(ctx)
		if err != nil {
			return res, fmt.Errorf("%w: listing pending types: %w", ErrUploadFailed, err)
		}
		groups = groups[:0]
		for _, t := range types {
			groups = append(groups, t.DeviceType)
		}
	}

	for len(groups) > 0 && res.Batches < w.opts.MaxBatchesPerCycle {
		var next []string
		for _, dataType := range groups {
			if res.Batches >= w.opts.MaxBatchesPerCycle || ctx.Err() != nil {
				break
			}
			w.setState(StateBatching)
			rows, err := w.store.FetchPending(ctx, w.opts.BatchSize, storage.PendingFilter{DeviceType: dataType})
			if err != nil {
				return res, fmt.Errorf("%w: fetching pending readings: %w", ErrUploadFailed, err)
			}
			if len(rows) == 0 {
				continue
			}

			label := dataType
			if label == "" {
				label = MixedDataType
			}
			accepted, err := w.deliver(ctx, label, rows)
			res.Batches++
			res.Accepted += accepted
			if err != nil {
				return res, err
			}
			// A partially accepted batch leaves its rejected rows pending
			// for the next cycle, so the group is not fetched again now.
			if len(rows) == w.opts.BatchSize && accepted == len(rows) {
				next = append(next, dataType)
			}
		}
		groups = next
	}
	return res, nil
}

// deliver sends one batch and reconciles the store with the outcome.
func (w *Worker) deliver(ctx context.Context, dataType string, rows []storage.Reading) (int, error) {
	batch := Batch{
		ID:        w.batchID(),
		Source:    w.opts.Source,
		DataType:  dataType,
		CreatedAt: w.now(),
		Records:   make([]Record, len(rows)),
	}
	for i, r := range rows {
		batch.Records[i] = Record{
			ID:         r.ID,
			SensorID:   r.ExternalID,
			SensorType: r.DeviceType,
			Data:       r.Payload.Map(),
			Quality:    r.Quality,
			ErrorCode:  r.ErrorCode,
			Timestamp:  r.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	attempt := storage.UploadAttempt{
		BatchID:     batch.ID,
		DataType:    dataType,
		RecordCount: len(rows),
	}
	log := w.logger.With("batch_id", batch.ID, "data_type", dataType, "records", len(rows))

	w.setState(StateSending)
	out, err := w.sender.Send(ctx, batch)
	w.setState(StateReconciling)
	if err != nil {
		var se *SendError
		if errors.As(err, &se) {
			attempt.StatusCode = se.StatusCode
		}
		w.logAttempt(ctx, attempt, storage.UploadFailed, err.Error())
		return 0, fmt.Errorf("%w: batch %s: %w", ErrUploadFailed, batch.ID, err)
	}
	attempt.StatusCode = out.StatusCode

	accepted := make([]int64, 0, len(rows))
	if !out.Partial {
		for _, r := range rows {
			accepted = append(accepted, r.ID)
		}
	} else {
		inBatch := make(map[int64]bool, len(rows))
		for _, r := range rows {
			inBatch[r.ID] = true
		}
		for _, id := range out.Accepted {
			if inBatch[id] {
				accepted = append(accepted, id)
				delete(inBatch, id)
			} else {
				log.Warn("remote acknowledged a reading outside the batch", "reading_id", id)
			}
		}
	}
	if len(accepted) == 0 {
		w.logAttempt(ctx, attempt, storage.UploadFailed, "remote accepted no records")
		return 0, fmt.Errorf("%w: batch %s: remote accepted no records", ErrUploadFailed, batch.ID)
	}

	if err := w.retain(ctx, accepted); err != nil {
		// Rows stay pending and are sent again.
		w.logAttempt(ctx, attempt, storage.UploadFailed, "delivered but not recorded: "+err.Error())
		return 0, fmt.Errorf("%w: recording delivery of batch %s: %w", ErrUploadFailed, batch.ID, err)
	}

	attempt.AcceptedCount = len(accepted)
	if len(accepted) < len(rows) {
		w.logAttempt(ctx, attempt, storage.UploadPartial, fmt.Sprintf("remote rejected %d of %d records", len(rows)-len(accepted), len(rows)))
		log.Warn("batch partially accepted", "accepted", len(accepted))
	} else {
		w.logAttempt(ctx, attempt, storage.UploadSuccess, "")
		log.Info("batch uploaded")
	}
	return len(accepted), nil
}

func (w *Worker) retain(ctx context.Context, ids []int64) error {
	if w.opts.Retention == RetainDelete {
		_, err := w.store.DeleteReadings(ctx, ids)
		return err
	}
	_, err := w.store.MarkUploaded(ctx, ids, w.now())
	return err
}

func (w *Worker) logAttempt(ctx context.Context, a storage.UploadAttempt, status, detail string) {
	a.Status = status
	a.ErrorDetail = detail
	a.AttemptedAt = w.now()
	if err := w.store.LogUploadAttempt(ctx, a); err != nil {
		w.logger.Warn("writing upload log failed", "batch_id", a.BatchID, "error", err)
	}
}

// State returns the current state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Status returns the worker's state and failure history.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.status
	st.State = w.State()
	return st
}

func (w *Worker) recordFailure(err error, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.ConsecutiveFailures++
	w.status.LastError = err.Error()
	w.status.NextAttempt = w.now().Add(delay)
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.ConsecutiveFailures = 0
	w.status.LastError = ""
	w.status.LastSuccess = w.now()
}

func (w *Worker) setNext(delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.NextAttempt = w.now().Add(delay)
}
