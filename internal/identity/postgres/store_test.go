package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobstream/internal/identity"
)

const jobID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewWithPool(mock, "", "kiosk-1")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return s, mock
}

// TestSaveUpsertsRow writes the identity for the profile key.
func TestSaveUpsertsRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO job_identities").
		WithArgs("kiosk-1", jobID, time.Unix(1700000000, 0).UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Save(context.Background(), jobID))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSaveRejectsInvalid never touches the database for a bad identity.
func TestSaveRejectsInvalid(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	require.ErrorIs(t, s.Save(context.Background(), "undefined"), identity.ErrInvalid)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestLoad returns the stored row or reports an empty store.
func TestLoad(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT client_uuid FROM job_identities").
		WithArgs("kiosk-1").
		WillReturnRows(pgxmock.NewRows([]string{"client_uuid"}).AddRow(jobID))
	mock.ExpectQuery("SELECT client_uuid FROM job_identities").
		WithArgs("kiosk-1").
		WillReturnRows(pgxmock.NewRows([]string{"client_uuid"}))

	id, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, jobID, id)

	_, ok, err = s.Load(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestLoadError wraps driver failures.
func TestLoadError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT client_uuid").WithArgs("kiosk-1").WillReturnError(errors.New("conn reset"))

	_, _, err := s.Load(context.Background())
	require.ErrorContains(t, err, "load identity")
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestClearAndSchema deletes the row and creates the table.
func TestClearAndSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS job_identities").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("DELETE FROM job_identities").
		WithArgs("kiosk-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.Clear(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestNewWithPoolValidation rejects unusable arguments.
func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "", "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "bad-table;", "")
	require.Error(t, err)
}
