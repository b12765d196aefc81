package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "campaign-sweep", time.Minute)
	b := NewRedisLock(client, "campaign-sweep", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not get the lock")

	require.NoError(t, b.Release(ctx), "releasing a lock we do not own is a no-op")
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "campaign-sweep", 30*time.Second)
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	b := NewRedisLock(client, "campaign-sweep", 30*time.Second)
	ok, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_Extend(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "campaign-sweep", 10*time.Second)
	ok, _ := a.Acquire(ctx)
	require.True(t, ok)
	require.NoError(t, a.Extend(ctx, time.Minute))

	assert.Greater(t, mr.TTL("lock:campaign-sweep"), 30*time.Second)
}

func TestNewLock_FallsBackToAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewLock(nil, db, "campaign-sweep", time.Minute)
	pg, ok := l.(*PGAdvisoryLock)
	require.True(t, ok)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(pg.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(pg.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	got, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = l.Acquire(ctx)
	assert.Error(t, err, "double acquire on one instance")

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLock_NotAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "campaign-sweep")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	got, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, got)
	assert.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
