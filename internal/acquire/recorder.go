// Package acquire turns device output into stored readings. It holds the
// polled, HTTP-push and MQTT acquisition workers and the Recorder they share.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/sensorgate/internal/reading"
	"github.com/kalambet/sensorgate/internal/registry"
	"github.com/kalambet/sensorgate/internal/storage"
)

// ErrDeviceDisabled is returned for readings from a device whose acquisition
// has been turned off.
var ErrDeviceDisabled = errors.New("device disabled")

// Device types produced by the built-in sources.
const (
	TypeBattery     = "battery"
	TypeWeather     = "weather"
	TypeEnergyMeter = "energy-meter"
	TypeMQTT        = "generic-mqtt"
)

// FullQuality is the quality of a reading with no known defects.
const FullQuality = 100

// Sample is one measurement produced by a source, before it is bound to a
// registered device.
type Sample struct {
	ExternalID string
	// DeviceType is used when the device has to be auto-registered.
	DeviceType string
	Payload    reading.Payload
	Quality    int
	ErrorCode  int
	At         time.Time
}

// SampleRecorder persists samples and counts failed acquisitions against
// their device. Implemented by Recorder.
type SampleRecorder interface {
	Record(ctx context.Context, s Sample) (int64, error)
	Fail(ctx context.Context, externalID string, cause error)
}

// DeviceRegistry is the subset of the device registry the Recorder needs.
// Implemented by registry.Registry.
type DeviceRegistry interface {
	Resolve(ctx context.Context, externalID string) (int64, error)
	Get(ctx context.Context, id int64) (storage.Device, error)
	Register(ctx context.Context, reg registry.Registration) (int64, error)
	MarkSeen(ctx context.Context, id int64, success bool) error
}

// ReadingWriter appends readings. Implemented by storage.Store.
type ReadingWriter interface {
	InsertReading(ctx context.Context, r storage.NewReading) (int64, error)
}

// Recorder binds samples to devices and writes them to the store.
type Recorder struct {
	registry     DeviceRegistry
	store        ReadingWriter
	autoRegister bool
	timeout      time.Duration
	logger       *slog.Logger
}

// NewRecorder creates a Recorder. With autoRegister set, samples from
// unknown devices register the device under the sample's type first.
func NewRecorder(reg DeviceRegistry, store ReadingWriter, autoRegister bool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		registry:     reg,
		store:        store,
		autoRegister: autoRegister,
		timeout:      2 * time.Second,
		logger:       logger,
	}
}

// Record stores s and returns the new reading id. A store that stays busy
// past the internal deadline yields storage.ErrStoreUnavailable; the caller
// keeps the sample and retries.
func (r *Recorder) Record(ctx context.Context, s Sample) (int64, error) {
	if s.ExternalID == "" {
		return 0, errors.New("sample has no device id")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := r.registry.Resolve(ctx, s.ExternalID)
	if errors.Is(err, storage.ErrUnknownDevice) && r.autoRegister && s.DeviceType != "" {
		r.logger.Info("auto-registering unknown device", "device_id", s.ExternalID, "type", s.DeviceType)
		id, err = r.registry.Register(ctx, registry.Registration{ExternalID: s.ExternalID, Type: s.DeviceType})
	}
	if err != nil {
		return 0, fmt.Errorf("resolving device %s: %w", s.ExternalID, err)
	}

	dev, err := r.registry.Get(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("loading device %s: %w", s.ExternalID, err)
	}
	if !dev.Enabled {
		return 0, fmt.Errorf("%w: %s", ErrDeviceDisabled, s.ExternalID)
	}

	readingID, err := r.store.InsertReading(ctx, storage.NewReading{
		DeviceID:  id,
		Payload:   s.Payload,
		Quality:   s.Quality,
		ErrorCode: s.ErrorCode,
		CreatedAt: s.At,
	})
	if err != nil {
		return 0, fmt.Errorf("storing reading from %s: %w", s.ExternalID, err)
	}

	if err := r.registry.MarkSeen(ctx, id, true); err != nil {
		r.logger.Warn("updating device health failed", "device_id", s.ExternalID, "error", err)
	}
	r.logger.Debug("reading stored", "device_id", s.ExternalID, "reading_id", readingID)
	return readingID, nil
}

// Fail counts a failed acquisition against a registered device. Failures
// from unknown devices are only logged; they never register anything.
func (r *Recorder) Fail(ctx context.Context, externalID string, cause error) {
	if externalID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id, err := r.registry.Resolve(ctx, externalID)
	if err != nil {
		r.logger.Debug("not counting failure for unresolved device", "device_id", externalID, "cause", cause, "error", err)
		return
	}
	if err := r.registry.MarkSeen(ctx, id, false); err != nil {
		r.logger.Warn("updating device health failed", "device_id", externalID, "error", err)
		return
	}
	r.logger.Debug("acquisition failure counted", "device_id", externalID, "cause", cause)
}

// retryable reports whether a failed Record is worth retrying later.
func retryable(err error) bool {
	return errors.Is(err, storage.ErrStoreUnavailable)
}
