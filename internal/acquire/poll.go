package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/storage"
	"github.com/kalambet/sensorgate/internal/supervisor"
)

// Sampler reads one sample from a polled device.
type Sampler interface {
	Sample(ctx context.Context, dev storage.Device) (reading.Payload, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, dev storage.Device) (reading.Payload, error)

func (f SamplerFunc) Sample(ctx context.Context, dev storage.Device) (reading.Payload, error) {
	return f(ctx, dev)
}

// DeviceSource lists polled devices and records their health.
// Implemented by registry.Registry.
type DeviceSource interface {
	List(ctx context.Context, f storage.DeviceFilter) ([]storage.Device, error)
	MarkSeen(ctx context.Context, id int64, success bool) error
}

// PollOptions configures a PollWorker.
type PollOptions struct {
	DeviceType string
	// Interval between samples of the same device. Defaults to 1s.
	Interval time.Duration
	// Window is the number of samples per stored reading. Defaults to 1.
	Window int
	// Cumulative names fields that keep their last value when aggregated.
	Cumulative []string
	// RefreshEvery controls how often the device list is reloaded.
	// Defaults to one minute.
	RefreshEvery time.Duration
	// SampleTimeout bounds a single Sample call. Defaults to Interval.
	SampleTimeout time.Duration
	// MaxBacklog bounds the aggregates held per device while the store is
	// unavailable. Defaults to 1000.
	MaxBacklog int
	Logger     *slog.Logger
}

// PollWorker samples every enabled device of one type on a fixed schedule
// and stores one aggregated reading per window.
type PollWorker struct {
	devices DeviceSource
	sampler Sampler
	store   ReadingWriter
	opts    PollOptions
	logger  *slog.Logger

	buffers     map[int64]*deviceBuffer
	refreshedAt time.Time
}

type deviceBuffer struct {
	dev     storage.Device
	agg     *Aggregator
	failing bool
	backlog []storage.NewReading
}

// NewPollWorker creates a PollWorker.
func NewPollWorker(devices DeviceSource, sampler Sampler, store ReadingWriter, opts PollOptions) *PollWorker {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Window <= 0 {
		opts.Window = 1
	}
	if opts.RefreshEvery <= 0 {
		opts.RefreshEvery = time.Minute
	}
	if opts.SampleTimeout <= 0 {
		opts.SampleTimeout = opts.Interval
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PollWorker{
		devices: devices,
		sampler: sampler,
		store:   store,
		opts:    opts,
		logger:  logger.With("worker", "poll", "type", opts.DeviceType),
		buffers: make(map[int64]*deviceBuffer),
	}
}

// Run samples until ctx is cancelled, then stores any partial windows.
func (w *PollWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("poll iteration failed", "error", err)
		}
		supervisor.Heartbeat(ctx)

		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce takes one sample from every device and returns the number of
// readings stored.
func (w *PollWorker) RunOnce(ctx context.Context) (int, error) {
	if w.refreshedAt.IsZero() || time.Since(w.refreshedAt) >= w.opts.RefreshEvery {
		if err := w.refresh(ctx); err != nil {
			return 0, err
		}
	}

	stored := 0
	for _, buf := range w.buffers {
		if ctx.Err() != nil {
			break
		}
		stored += w.drainBacklog(ctx, buf)
		stored += w.sample(ctx, buf)
	}
	return stored, nil
}

func (w *PollWorker) refresh(ctx context.Context) error {
	devs, err := w.devices.List(ctx, storage.DeviceFilter{Type: w.opts.DeviceType, EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("listing %s devices: %w", w.opts.DeviceType, err)
	}
	w.refreshedAt = time.Now()

	seen := make(map[int64]bool, len(devs))
	for _, d := range devs {
		seen[d.ID] = true
		if buf, ok := w.buffers[d.ID]; ok {
			buf.dev = d
			continue
		}
		w.buffers[d.ID] = &deviceBuffer{dev: d, agg: NewAggregator(w.opts.Window, w.opts.Cumulative...)}
		w.logger.Info("polling device", "device_id", d.ExternalID)
	}
	for id, buf := range w.buffers {
		if !seen[id] {
			w.logger.Info("device no longer polled", "device_id", buf.dev.ExternalID, "discarded_samples", buf.agg.Len())
			delete(w.buffers, id)
		}
	}
	return nil
}

func (w *PollWorker) sample(ctx context.Context, buf *deviceBuffer) int {
	sctx, cancel := context.WithTimeout(ctx, w.opts.SampleTimeout)
	p, err := w.sampler.Sample(sctx, buf.dev)
	cancel()
	if err != nil {
		w.logger.Warn("sampling device failed", "device_id", buf.dev.ExternalID, "error", err)
		buf.failing = true
		if err := w.devices.MarkSeen(ctx, buf.dev.ID, false); err != nil {
			w.logger.Warn("updating device health failed", "device_id", buf.dev.ExternalID, "error", err)
		}
		return 0
	}

	agg, full := buf.agg.Add(p)
	if buf.failing || full {
		buf.failing = false
		if err := w.devices.MarkSeen(ctx, buf.dev.ID, true); err != nil {
			w.logger.Warn("updating device health failed", "device_id", buf.dev.ExternalID, "error", err)
		}
	}
	if !full {
		return 0
	}
	return w.save(ctx, buf, storage.NewReading{
		DeviceID:  buf.dev.ID,
		Payload:   agg,
		Quality:   FullQuality,
		CreatedAt: time.Now(),
	})
}

// save writes r or appends it to the device backlog.
func (w *PollWorker) save(ctx context.Context, buf *deviceBuffer, r storage.NewReading) int {
	if len(buf.backlog) == 0 {
		if err := w.insert(ctx, buf, r); err == nil {
			return 1
		}
	}
	if len(buf.backlog) >= w.opts.MaxBacklog {
		w.logger.Error("backlog full, discarding oldest aggregate", "device_id", buf.dev.ExternalID, "backlog", len(buf.backlog))
		buf.backlog = buf.backlog[1:]
	}
	buf.backlog = append(buf.backlog, r)
	return 0
}

func (w *PollWorker) drainBacklog(ctx context.Context, buf *deviceBuffer) int {
	n := 0
	for len(buf.backlog) > 0 {
		if err := w.insert(ctx, buf, buf.backlog[0]); err != nil {
			break
		}
		buf.backlog = buf.backlog[1:]
		n++
	}
	return n
}

func (w *PollWorker) insert(ctx context.Context, buf *deviceBuffer, r storage.NewReading) error {
	ictx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	id, err := w.store.InsertReading(ictx, r)
	if err != nil {
		w.logger.Error("storing aggregate failed", "device_id", buf.dev.ExternalID, "error", err)
		return err
	}
	w.logger.Debug("aggregate stored", "device_id", buf.dev.ExternalID, "reading_id", id)
	return nil
}

// flush stores partial windows and any backlog on shutdown. Quality is
// scaled by how much of the window was filled.
func (w *PollWorker) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, buf := range w.buffers {
		w.drainBacklog(ctx, buf)
		p, fill, ok := buf.agg.Flush()
		if !ok {
			continue
		}
		w.save(ctx, buf, storage.NewReading{
			DeviceID:  buf.dev.ID,
			Payload:   p,
			Quality:   int(math.Round(FullQuality * fill)),
			CreatedAt: time.Now(),
		})
		if len(buf.backlog) > 0 {
			w.logger.Error("aggregates lost on shutdown", "device_id", buf.dev.ExternalID, "count", len(buf.backlog))
		}
	}
}
