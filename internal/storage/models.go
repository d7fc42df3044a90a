package storage

import (
	"time"

	"github.com/kalambet/sensorgate/internal/reading"
)

// Device is a registered physical or logical data source.
type Device struct {
	ID         int64
	ExternalID string
	Type       string
	Name       string
	BusAddress *int
	Location   string
	Metadata   map[string]string
	Enabled    bool
	Online     bool
	LastSeen   *time.Time
	ErrorCount int
	CreatedAt  time.Time
}

// DeviceFilter narrows ListDevices. Zero value lists everything.
type DeviceFilter struct {
	Type        string
	EnabledOnly bool
}

// DeviceHealth is the state of a device after a failure was recorded.
type DeviceHealth struct {
	ErrorCount  int
	Online      bool
	Enabled     bool
	WentOffline bool
}

// NewReading is a reading about to be persisted.
type NewReading struct {
	DeviceID  int64
	Payload   reading.Payload
	Quality   int
	ErrorCode int
	CreatedAt time.Time
}

// Reading is a persisted reading joined with its device identity.
type Reading struct {
	ID         int64
	DeviceID   int64
	ExternalID string
	DeviceType string
	Payload    reading.Payload
	Quality    int
	ErrorCode  int
	Uploaded   bool
	UploadedAt *time.Time
	CreatedAt  time.Time
}

// PendingFilter narrows FetchPending. An empty DeviceType matches all
// devices; AfterID skips readings with an id at or below it.
type PendingFilter struct {
	DeviceType string
	AfterID    int64
}

// ReadingQuery selects readings for export.
type ReadingQuery struct {
	PendingOnly bool
	Since       time.Time
	Limit       int
}

// PendingType is a device type with pending readings and the id of its
// oldest pending reading.
type PendingType struct {
	DeviceType string
	OldestID   int64
	Count      int64
}

// RetentionCount describes the uploaded readings older than a cutoff.
type RetentionCount struct {
	Count  int64
	Oldest *time.Time
	Newest *time.Time
}

// TypeStats summarises stored readings for one device type.
type TypeStats struct {
	DeviceType     string
	Pending        int64
	Uploaded       int64
	OldestPending  *time.Time
	OldestUploaded *time.Time
}

// Stats summarises the whole store.
type Stats struct {
	Pending  int64
	Uploaded int64
	Devices  int64
	ByType   []TypeStats
}

// Upload attempt outcomes.
const (
	UploadSuccess = "success"
	UploadFailed  = "failed"
	UploadPartial = "partial"
)

// maxErrorDetail bounds the error text kept per upload attempt.
const maxErrorDetail = 500

// UploadAttempt is one row of the append-only upload log.
type UploadAttempt struct {
	ID            int64
	BatchID       string
	DataType      string
	RecordCount   int
	AcceptedCount int
	Status        string
	StatusCode    int // 0 when no response was received
	ErrorDetail   string
	AttemptedAt   time.Time
}
