package sessionlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerBlocksSecondAcquire(t *testing.T) {
	l := NewLocalLocker(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "sess-1"))

	err := l.Lock(ctx, "sess-1")
	require.ErrorIs(t, err, ErrLockTimeout)

	l.Unlock("sess-1")
	require.NoError(t, l.Lock(ctx, "sess-1"))
	l.Unlock("sess-1")
}

func TestLocalLockerDistinctSessionsDoNotBlock(t *testing.T) {
	l := NewLocalLocker(time.Second)
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "sess-1"))
	require.NoError(t, l.Lock(ctx, "sess-2"))
	l.Unlock("sess-1")
	l.Unlock("sess-2")
}

func TestLocalLockerRespectsContextCancellation(t *testing.T) {
	l := NewLocalLocker(time.Second)
	ctx := context.Background()
	require.NoError(t, l.Lock(ctx, "sess-1"))

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Lock(cancelCtx, "sess-1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestDBLockerLockUnlock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	locker, err := NewDBLocker(db, DBConfig{
		OwnerID:         "node-1",
		TTL:             time.Minute,
		RefreshInterval: time.Hour,
		AcquireTimeout:  time.Second,
		PollInterval:    10 * time.Millisecond,
	})
	require.NoError(t, err)

	mock.ExpectQuery("INSERT INTO session_locks").
		WithArgs("sess-1", "node-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("node-1"))

	require.NoError(t, locker.Lock(context.Background(), "sess-1"))

	mock.ExpectExec("DELETE FROM session_locks").
		WithArgs("sess-1", "node-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	locker.Unlock("sess-1")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLockerRequiresOwnerID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewDBLocker(db, DBConfig{})
	require.Error(t, err)
}
