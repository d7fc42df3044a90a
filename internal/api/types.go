package api

import (
	"time"

	"github.com/kalambet/sensorgate/internal/cleanup"
	"github.com/kalambet/sensorgate/internal/storage"
	"github.com/kalambet/sensorgate/internal/supervisor"
	"github.com/kalambet/sensorgate/internal/upload"
)

// Device is the wire form of a registered device.
type Device struct {
	ID         int64             `json:"id"`
	ExternalID string            `json:"external_id"`
	Type       string            `json:"device_type"`
	Name       string            `json:"name,omitempty"`
	BusAddress *int              `json:"bus_address,omitempty"`
	Location   string            `json:"location,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Enabled    bool              `json:"enabled"`
	Online     bool              `json:"online"`
	LastSeen   *time.Time        `json:"last_seen,omitempty"`
	ErrorCount int               `json:"error_count"`
	CreatedAt  time.Time         `json:"created_at"`
}

func deviceFrom(d storage.Device) Device {
	return Device{
		ID:         d.ID,
		ExternalID: d.ExternalID,
		Type:       d.Type,
		Name:       d.Name,
		BusAddress: d.BusAddress,
		Location:   d.Location,
		Metadata:   d.Metadata,
		Enabled:    d.Enabled,
		Online:     d.Online,
		LastSeen:   d.LastSeen,
		ErrorCount: d.ErrorCount,
		CreatedAt:  d.CreatedAt,
	}
}

type DevicePatch struct {
	Enabled *bool `json:"enabled"`
}

type TypeStats struct {
	DeviceType     string     `json:"device_type"`
	Pending        int64      `json:"pending"`
	Uploaded       int64      `json:"uploaded"`
	OldestPending  *time.Time `json:"oldest_pending,omitempty"`
	OldestUploaded *time.Time `json:"oldest_uploaded,omitempty"`
}

type Status struct {
	GatewayID     string                    `json:"gateway_id"`
	SchemaVersion int                       `json:"schema_version"`
	Devices       int64                     `json:"devices"`
	Pending       int64                     `json:"pending"`
	Uploaded      int64                     `json:"uploaded"`
	ByType        []TypeStats               `json:"by_type"`
	Workers       []supervisor.WorkerStatus `json:"workers,omitempty"`
	Upload        *upload.Status            `json:"upload,omitempty"`
}

type UploadAttempt struct {
	BatchID       string    `json:"batch_id"`
	DataType      string    `json:"data_type"`
	RecordCount   int       `json:"record_count"`
	AcceptedCount int       `json:"accepted_count"`
	Status        string    `json:"status"`
	StatusCode    int       `json:"status_code,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

type CleanupRequest struct {
	Days   int  `json:"days"`
	DryRun bool `json:"dry_run"`
}

// CleanupResponse is cleanup.Result on the wire.
type CleanupResponse = cleanup.Result
