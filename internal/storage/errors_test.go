package storage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/sensorgate/internal/reading"
)

func TestInsertReadingMapsDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO readings").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err = s.InsertReading(context.Background(), NewReading{
		DeviceID: 1,
		Payload:  reading.Payload{"v": reading.Number(1)},
		Quality:  100,
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountPendingPassesThroughOtherErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db)
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(context.DeadlineExceeded), ErrStoreUnavailable)
	assert.ErrorIs(t, classify(sql.ErrConnDone), ErrStoreUnavailable)
	assert.NotErrorIs(t, classify(sql.ErrNoRows), ErrStoreUnavailable)
}
