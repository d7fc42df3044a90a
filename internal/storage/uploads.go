package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogUploadAttempt appends one row to the upload log. Error detail is
// truncated to a bounded length.
func (s *Store) LogUploadAttempt(ctx context.Context, a UploadAttempt) error {
	switch a.Status {
	case UploadSuccess, UploadFailed, UploadPartial:
	default:
		return fmt.Errorf("invalid upload status %q", a.Status)
	}
	detail := a.ErrorDetail
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}
	var code sql.NullInt64
	if a.StatusCode != 0 {
		code = sql.NullInt64{Int64: int64(a.StatusCode), Valid: true}
	}
	at := a.AttemptedAt
	if at.IsZero() {
		at = s.now()
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO upload_attempts (batch_id, data_type, record_count, accepted_count, status, status_code, error_detail, attempted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.BatchID, a.DataType, a.RecordCount, a.AcceptedCount, a.Status, code, detail, formatTime(at),
		)
		if err != nil {
			return fmt.Errorf("logging upload attempt %s: %w", a.BatchID, err)
		}
		return nil
	})
}

// RecentUploadAttempts returns the newest attempts first.
func (s *Store) RecentUploadAttempts(ctx context.Context, limit int) ([]UploadAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, data_type, record_count, accepted_count, status, status_code, error_detail, attempted_at
		FROM upload_attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("querying upload attempts: %w", err))
	}
	defer rows.Close()

	var out []UploadAttempt
	for rows.Next() {
		var (
			a           UploadAttempt
			code        sql.NullInt64
			attemptedAt string
		)
		if err := rows.Scan(&a.ID, &a.BatchID, &a.DataType, &a.RecordCount, &a.AcceptedCount,
			&a.Status, &code, &a.ErrorDetail, &attemptedAt); err != nil {
			return nil, err
		}
		a.StatusCode = int(code.Int64)
		if a.AttemptedAt, err = parseTime(attemptedAt); err != nil {
			return nil, fmt.Errorf("parsing attempted_at of batch %s: %w", a.BatchID, err)
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}

// PruneUploadAttempts drops log rows older than before.
func (s *Store) PruneUploadAttempts(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM upload_attempts WHERE attempted_at < ?`, formatTime(before))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
