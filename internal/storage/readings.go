package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/sensorgate/internal/reading"
)

// maxIDsPerStatement keeps IN lists well below SQLite's variable limit.
const maxIDsPerStatement = 500

// InsertReading appends a reading in the pending state and returns its id.
// Ids are assigned monotonically and never reused.
func (s *Store) InsertReading(ctx context.Context, r NewReading) (int64, error) {
	if r.Quality < 0 || r.Quality > 100 {
		return 0, fmt.Errorf("quality %d out of range 0-100", r.Quality)
	}
	payload, err := r.Payload.Encode()
	if err != nil {
		return 0, fmt.Errorf("encoding payload: %w", err)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var id int64
	err = s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO readings (device_id, payload, quality, error_code, uploaded, created_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			r.DeviceID, payload, r.Quality, r.ErrorCode, formatTime(createdAt),
		)
		if err != nil {
			return fmt.Errorf("inserting reading for device %d: %w", r.DeviceID, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

const readingColumns = `r.id, r.device_id, d.external_id, d.device_type, r.payload, r.quality,
	r.error_code, r.uploaded, r.uploaded_at, r.created_at`

func scanReading(rows *sql.Rows) (Reading, error) {
	var (
		r          Reading
		payload    string
		uploadedAt sql.NullString
		createdAt  string
	)
	if err := rows.Scan(&r.ID, &r.DeviceID, &r.ExternalID, &r.DeviceType, &payload, &r.Quality,
		&r.ErrorCode, &r.Uploaded, &uploadedAt, &createdAt); err != nil {
		return Reading{}, err
	}
	p, err := reading.DecodePayload(payload)
	if err != nil {
		return Reading{}, fmt.Errorf("decoding payload of reading %d: %w", r.ID, err)
	}
	r.Payload = p
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Reading{}, fmt.Errorf("parsing created_at of reading %d: %w", r.ID, err)
	}
	if r.UploadedAt, err = parseNullTime(uploadedAt); err != nil {
		return Reading{}, fmt.Errorf("parsing uploaded_at of reading %d: %w", r.ID, err)
	}
	return r, nil
}

// FetchPending returns up to limit pending readings in ascending id order.
// It takes no lock: the upload worker is the only consumer and marks rows
// explicitly by id afterwards.
func (s *Store) FetchPending(ctx context.Context, limit int, f PendingFilter) ([]Reading, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + readingColumns + `
		FROM readings r JOIN devices d ON d.id = r.device_id
		WHERE r.uploaded = 0`
	args := []any{}
	if f.DeviceType != "" {
		query += ` AND d.device_type = ?`
		args = append(args, f.DeviceType)
	}
	if f.AfterID > 0 {
		query += ` AND r.id > ?`
		args = append(args, f.AfterID)
	}
	query += ` ORDER BY r.id ASC LIMIT ?`
	args = append(args, limit)

	return s.queryReadings(ctx, query, args...)
}

// ListReadings returns readings for export, oldest first.
func (s *Store) ListReadings(ctx context.Context, q ReadingQuery) ([]Reading, error) {
	query := `SELECT ` + readingColumns + `
		FROM readings r JOIN devices d ON d.id = r.device_id
		WHERE r.created_at >= ?`
	args := []any{formatTime(q.Since)}
	if q.PendingOnly {
		query += ` AND r.uploaded = 0`
	}
	query += ` ORDER BY r.id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryReadings(ctx, query, args...)
}

func (s *Store) queryReadings(ctx context.Context, query string, args ...any) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("querying readings: %w", err))
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

// PendingDataTypes lists device types that have pending readings, ordered by
// their oldest pending reading so that no type starves.
func (s *Store) PendingDataTypes(ctx context.Context) ([]PendingType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.device_type, MIN(r.id), COUNT(*)
		FROM readings r JOIN devices d ON d.id = r.device_id
		WHERE r.uploaded = 0
		GROUP BY d.device_type
		ORDER BY MIN(r.id) ASC`)
	if err != nil {
		return nil, classify(fmt.Errorf("querying pending types: %w", err))
	}
	defer rows.Close()

	var out []PendingType
	for rows.Next() {
		var pt PendingType
		if err := rows.Scan(&pt.DeviceType, &pt.OldestID, &pt.Count); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, classify(rows.Err())
}

// MarkUploaded flags exactly the given readings as uploaded at the given
// time. Rows already uploaded are left untouched. Returns rows changed.
func (s *Store) MarkUploaded(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	return s.updateByIDs(ctx, ids, func(tx *sql.Tx, in string, args []any) (sql.Result, error) {
		return tx.ExecContext(ctx,
			`UPDATE readings SET uploaded = 1, uploaded_at = ? WHERE uploaded = 0 AND id IN (`+in+`)`,
			append([]any{formatTime(at)}, args...)...)
	})
}

// DeleteReadings removes exactly the given readings. Used by the
// upload-then-delete retention policy after the remote confirmed them.
func (s *Store) DeleteReadings(ctx context.Context, ids []int64) (int64, error) {
	return s.updateByIDs(ctx, ids, func(tx *sql.Tx, in string, args []any) (sql.Result, error) {
		return tx.ExecContext(ctx, `DELETE FROM readings WHERE id IN (`+in+`)`, args...)
	})
}

func (s *Store) updateByIDs(ctx context.Context, ids []int64, exec func(*sql.Tx, string, []any) (sql.Result, error)) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var total int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(ids); start += maxIDsPerStatement {
			end := min(start+maxIDsPerStatement, len(ids))
			in, args := inClause(ids[start:end])
			res, err := exec(tx, in, args)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// CountPending returns the number of readings not yet uploaded.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE uploaded = 0`).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// CountUploadedOlderThan reports what DeleteUploadedOlderThan would remove.
func (s *Store) CountUploadedOlderThan(ctx context.Context, cutoff time.Time) (RetentionCount, error) {
	var (
		rc             RetentionCount
		oldest, newest sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(uploaded_at), MAX(uploaded_at)
		FROM readings WHERE uploaded = 1 AND uploaded_at < ?`, formatTime(cutoff),
	).Scan(&rc.Count, &oldest, &newest)
	if err != nil {
		return RetentionCount{}, classify(err)
	}
	if rc.Oldest, err = parseNullTime(oldest); err != nil {
		return RetentionCount{}, err
	}
	if rc.Newest, err = parseNullTime(newest); err != nil {
		return RetentionCount{}, err
	}
	return rc, nil
}

// DeleteUploadedOlderThan removes uploaded readings whose upload time is
// before cutoff. Pending readings are never touched.
func (s *Store) DeleteUploadedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM readings WHERE uploaded = 1 AND uploaded_at < ?`, formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("deleting uploaded readings: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Stats summarises pending and uploaded readings per device type.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&st.Devices); err != nil {
		return Stats{}, classify(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT d.device_type,
		       SUM(CASE WHEN r.uploaded = 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN r.uploaded = 1 THEN 1 ELSE 0 END),
		       MIN(CASE WHEN r.uploaded = 0 THEN r.created_at END),
		       MIN(CASE WHEN r.uploaded = 1 THEN r.uploaded_at END)
		FROM readings r JOIN devices d ON d.id = r.device_id
		GROUP BY d.device_type
		ORDER BY d.device_type`)
	if err != nil {
		return Stats{}, classify(fmt.Errorf("querying stats: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ts                            TypeStats
			oldestPending, oldestUploaded sql.NullString
		)
		if err := rows.Scan(&ts.DeviceType, &ts.Pending, &ts.Uploaded, &oldestPending, &oldestUploaded); err != nil {
			return Stats{}, err
		}
		if ts.OldestPending, err = parseNullTime(oldestPending); err != nil {
			return Stats{}, err
		}
		if ts.OldestUploaded, err = parseNullTime(oldestUploaded); err != nil {
			return Stats{}, err
		}
		st.Pending += ts.Pending
		st.Uploaded += ts.Uploaded
		st.ByType = append(st.ByType, ts)
	}
	return st, classify(rows.Err())
}
