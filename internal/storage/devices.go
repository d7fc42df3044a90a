package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const deviceColumns = `id, external_id, device_type, name, bus_address, location, metadata,
	enabled, online, last_seen, error_count, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var (
		d         Device
		busAddr   sql.NullInt64
		metadata  string
		lastSeen  sql.NullString
		createdAt string
	)
	if err := row.Scan(&d.ID, &d.ExternalID, &d.Type, &d.Name, &busAddr, &d.Location, &metadata,
		&d.Enabled, &d.Online, &lastSeen, &d.ErrorCount, &createdAt); err != nil {
		return Device{}, err
	}
	if busAddr.Valid {
		a := int(busAddr.Int64)
		d.BusAddress = &a
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
			return Device{}, fmt.Errorf("decoding metadata of device %s: %w", d.ExternalID, err)
		}
	}
	var err error
	if d.LastSeen, err = parseNullTime(lastSeen); err != nil {
		return Device{}, fmt.Errorf("parsing last_seen of device %s: %w", d.ExternalID, err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Device{}, fmt.Errorf("parsing created_at of device %s: %w", d.ExternalID, err)
	}
	return d, nil
}

// RegisterDevice inserts d unless a device with the same external id exists.
// It returns the stored device and whether it was created by this call.
// Reconciling attributes of an existing device is left to the caller.
func (s *Store) RegisterDevice(ctx context.Context, d Device) (Device, bool, error) {
	if d.ExternalID == "" {
		return Device{}, false, errors.New("device external id is required")
	}
	if d.Type == "" {
		return Device{}, false, errors.New("device type is required")
	}
	metadata := "{}"
	if len(d.Metadata) > 0 {
		b, err := json.Marshal(d.Metadata)
		if err != nil {
			return Device{}, false, fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(b)
	}
	var busAddr sql.NullInt64
	if d.BusAddress != nil {
		busAddr = sql.NullInt64{Int64: int64(*d.BusAddress), Valid: true}
	}

	var (
		stored  Device
		created bool
	)
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO devices (external_id, device_type, name, bus_address, location, metadata, enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(external_id) DO NOTHING`,
			d.ExternalID, d.Type, d.Name, busAddr, d.Location, metadata, formatTime(s.now()),
		)
		if err != nil {
			return fmt.Errorf("inserting device %s: %w", d.ExternalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		stored, err = scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM devices WHERE external_id = ?`, d.ExternalID))
		return err
	})
	if err != nil {
		return Device{}, false, err
	}
	return stored, created, nil
}

// GetDevice returns the device with the given internal id.
func (s *Store) GetDevice(ctx context.Context, id int64) (Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrUnknownDevice
	}
	return d, classify(err)
}

// GetDeviceByExternalID returns the device registered under externalID.
func (s *Store) GetDeviceByExternalID(ctx context.Context, externalID string) (Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrUnknownDevice
	}
	return d, classify(err)
}

// ListDevices returns devices ordered by internal id.
func (s *Store) ListDevices(ctx context.Context, f DeviceFilter) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE 1 = 1`
	var args []any
	if f.Type != "" {
		query += ` AND device_type = ?`
		args = append(args, f.Type)
	}
	if f.EnabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("listing devices: %w", err))
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, classify(rows.Err())
}

// SetDeviceEnabled toggles acquisition for a device.
func (s *Store) SetDeviceEnabled(ctx context.Context, externalID string, enabled bool) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE devices SET enabled = ? WHERE external_id = ?`, enabled, externalID)
		if err != nil {
			return err
		}
		return requireOne(res, ErrUnknownDevice)
	})
}

// DeleteDevice removes a device; its readings are removed by cascade.
func (s *Store) DeleteDevice(ctx context.Context, externalID string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE external_id = ?`, externalID)
		if err != nil {
			return err
		}
		return requireOne(res, ErrUnknownDevice)
	})
}

// RecordDeviceSuccess marks the device online, resets its error counter and
// sets last_seen.
func (s *Store) RecordDeviceSuccess(ctx context.Context, id int64, at time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE devices SET online = 1, error_count = 0, last_seen = ? WHERE id = ?`, formatTime(at), id)
		if err != nil {
			return err
		}
		return requireOne(res, ErrUnknownDevice)
	})
}

// RecordDeviceFailure increments the error counter. Once the counter reaches
// threshold the device is flagged offline, and also disabled when disable is set.
func (s *Store) RecordDeviceFailure(ctx context.Context, id int64, threshold int, disable bool) (DeviceHealth, error) {
	var h DeviceHealth
	err := s.write(ctx, func(tx *sql.Tx) error {
		var wasOnline bool
		err := tx.QueryRowContext(ctx, `SELECT error_count, online, enabled FROM devices WHERE id = ?`, id).
			Scan(&h.ErrorCount, &wasOnline, &h.Enabled)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnknownDevice
		}
		if err != nil {
			return err
		}

		h.ErrorCount++
		h.Online = wasOnline
		if h.ErrorCount >= threshold {
			h.Online = false
			h.WentOffline = wasOnline
			if disable {
				h.Enabled = false
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE devices SET error_count = ?, online = ?, enabled = ? WHERE id = ?`,
			h.ErrorCount, h.Online, h.Enabled, id)
		return err
	})
	return h, err
}

func requireOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
