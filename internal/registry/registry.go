// Package registry maps external device identifiers to stable internal ids
// and tracks device liveness.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/sensorgate/internal/storage"
)

// Re-exported so callers can match errors without importing storage.
var (
	ErrUnknownDevice   = storage.ErrUnknownDevice
	ErrDuplicateDevice = storage.ErrDuplicateDevice
)

// DefaultOfflineThreshold is the number of consecutive failures after
// which a device is reported offline.
const DefaultOfflineThreshold = 5

// DeviceStore defines the storage operations the Registry needs.
// Implemented by storage.Store.
type DeviceStore interface {
	RegisterDevice(ctx context.Context, d storage.Device) (storage.Device, bool, error)
	GetDevice(ctx context.Context, id int64) (storage.Device, error)
	GetDeviceByExternalID(ctx context.Context, externalID string) (storage.Device, error)
	ListDevices(ctx context.Context, f storage.DeviceFilter) ([]storage.Device, error)
	SetDeviceEnabled(ctx context.Context, externalID string, enabled bool) error
	DeleteDevice(ctx context.Context, externalID string) error
	RecordDeviceSuccess(ctx context.Context, id int64, at time.Time) error
	RecordDeviceFailure(ctx context.Context, id int64, threshold int, disable bool) (storage.DeviceHealth, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Registration describes a device to register.
type Registration struct {
	ExternalID string            `json:"external_id"`
	Type       string            `json:"device_type"`
	Name       string            `json:"name,omitempty"`
	BusAddress *int              `json:"bus_address,omitempty"`
	Location   string            `json:"location,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Options configures a Registry.
type Options struct {
	// OfflineThreshold defaults to DefaultOfflineThreshold.
	OfflineThreshold int
	// AutoDisable also disables a device when it goes offline.
	AutoDisable bool
	// OnOffline is called once each time a device transitions to offline.
	OnOffline func(d storage.Device)
	Logger    *slog.Logger
	Clock     Clock
}

// Registry is the device registry. Internal ids never change once assigned,
// so external id lookups are cached for the life of the process.
type Registry struct {
	store     DeviceStore
	threshold int
	disable   bool
	onOffline func(storage.Device)
	logger    *slog.Logger
	clock     Clock

	mu  sync.RWMutex
	ids map[string]int64
}

// New creates a Registry backed by store.
func New(store DeviceStore, opts Options) *Registry {
	r := &Registry{
		store:     store,
		threshold: opts.OfflineThreshold,
		disable:   opts.AutoDisable,
		onOffline: opts.OnOffline,
		logger:    opts.Logger,
		clock:     opts.Clock,
		ids:       make(map[string]int64),
	}
	if r.threshold <= 0 {
		r.threshold = DefaultOfflineThreshold
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.clock == nil {
		r.clock = realClock{}
	}
	return r
}

// Register adds a device or returns the id of the existing device with the
// same external id. It fails with ErrDuplicateDevice only when the device
// type differs or both sides name different bus addresses.
func (r *Registry) Register(ctx context.Context, reg Registration) (int64, error) {
	d, created, err := r.store.RegisterDevice(ctx, storage.Device{
		ExternalID: reg.ExternalID,
		Type:       reg.Type,
		Name:       reg.Name,
		BusAddress: reg.BusAddress,
		Location:   reg.Location,
		Metadata:   reg.Metadata,
	})
	if err != nil {
		return 0, fmt.Errorf("registering device %s: %w", reg.ExternalID, err)
	}
	if !created {
		if err := reconcile(d, reg); err != nil {
			return 0, err
		}
	} else {
		r.logger.Info("device registered", "device_id", d.ExternalID, "type", d.Type, "id", d.ID)
	}
	r.remember(d.ExternalID, d.ID)
	return d.ID, nil
}

func reconcile(existing storage.Device, reg Registration) error {
	if existing.Type != reg.Type {
		return fmt.Errorf("%w: %s is registered as %q, not %q", ErrDuplicateDevice, reg.ExternalID, existing.Type, reg.Type)
	}
	if existing.BusAddress != nil && reg.BusAddress != nil && *existing.BusAddress != *reg.BusAddress {
		return fmt.Errorf("%w: %s is registered at bus address %d, not %d", ErrDuplicateDevice, reg.ExternalID, *existing.BusAddress, *reg.BusAddress)
	}
	return nil
}

// Resolve returns the internal id for externalID or ErrUnknownDevice.
func (r *Registry) Resolve(ctx context.Context, externalID string) (int64, error) {
	r.mu.RLock()
	id, ok := r.ids[externalID]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	d, err := r.store.GetDeviceByExternalID(ctx, externalID)
	if err != nil {
		return 0, err
	}
	r.remember(d.ExternalID, d.ID)
	return d.ID, nil
}

// Lookup returns the full device record for externalID. Not cached: the
// enabled and health fields change over time.
func (r *Registry) Lookup(ctx context.Context, externalID string) (storage.Device, error) {
	return r.store.GetDeviceByExternalID(ctx, externalID)
}

// Get returns the device with the given internal id.
func (r *Registry) Get(ctx context.Context, id int64) (storage.Device, error) {
	return r.store.GetDevice(ctx, id)
}

// MarkSeen records the outcome of an acquisition attempt. A success resets
// the error counter and marks the device online; a failure increments it and
// flags the device offline once the threshold is reached.
func (r *Registry) MarkSeen(ctx context.Context, id int64, success bool) error {
	if success {
		return r.store.RecordDeviceSuccess(ctx, id, r.clock.Now())
	}

	h, err := r.store.RecordDeviceFailure(ctx, id, r.threshold, r.disable)
	if err != nil {
		return err
	}
	if !h.WentOffline {
		return nil
	}

	d, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	r.logger.Warn("device offline", "device_id", d.ExternalID, "error_count", h.ErrorCount, "disabled", !h.Enabled)
	if r.onOffline != nil {
		r.onOffline(d)
	}
	return nil
}

// List returns registered devices matching f.
func (r *Registry) List(ctx context.Context, f storage.DeviceFilter) ([]storage.Device, error) {
	return r.store.ListDevices(ctx, f)
}

// SetEnabled turns acquisition for a device on or off.
func (r *Registry) SetEnabled(ctx context.Context, externalID string, enabled bool) error {
	if err := r.store.SetDeviceEnabled(ctx, externalID, enabled); err != nil {
		return err
	}
	r.logger.Info("device updated", "device_id", externalID, "enabled", enabled)
	return nil
}

// Deregister removes a device together with all of its readings.
func (r *Registry) Deregister(ctx context.Context, externalID string) error {
	if err := r.store.DeleteDevice(ctx, externalID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.ids, externalID)
	r.mu.Unlock()
	r.logger.Info("device removed", "device_id", externalID)
	return nil
}

func (r *Registry) remember(externalID string, id int64) {
	r.mu.Lock()
	r.ids[externalID] = id
	r.mu.Unlock()
}
