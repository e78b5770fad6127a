package oauthstatesql_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stafflow/authkit/internal/dbtest/postgrestest"
	"github.com/stafflow/authkit/internal/oauthstate"
	oauthstatesql "github.com/stafflow/authkit/internal/oauthstate/sql"
	"github.com/stafflow/authkit/internal/serviceerr"
)

var dbPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pool, _, terminate := postgrestest.Start(ctx)
	defer terminate(ctx)

	dbPool = pool

	code := m.Run()
	os.Exit(code)
}

func someState(id string, expiresAt time.Time) oauthstate.State {
	return oauthstate.State{
		ID:        id,
		Verifier:  "verifier-" + id,
		IPAddress: "10.0.0.1",
		ExpiresAt: expiresAt.Truncate(time.Millisecond),
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
}

func TestConsume(t *testing.T) {
	r := oauthstatesql.NewRepository(dbPool)
	ctx := t.Context()

	state := someState("sql-consume", time.Now().Add(10*time.Minute))
	require.NoError(t, r.Store(ctx, state))

	got, err := r.Consume(ctx, state.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, state.Verifier, got.Verifier)
	assert.Equal(t, state.IPAddress, got.IPAddress)

	// The same state a second time is a replay.
	_, err = r.Consume(ctx, state.ID, time.Now())
	assert.ErrorIs(t, err, serviceerr.ErrStateAlreadyUsed)
}

func TestConsumeMissing(t *testing.T) {
	r := oauthstatesql.NewRepository(dbPool)

	_, err := r.Consume(t.Context(), "sql-never-stored", time.Now())
	assert.ErrorIs(t, err, serviceerr.ErrStateNotFound)
}

func TestConsumeExpired(t *testing.T) {
	r := oauthstatesql.NewRepository(dbPool)
	ctx := t.Context()

	state := someState("sql-consume-expired", time.Now().Add(-time.Minute))
	require.NoError(t, r.Store(ctx, state))

	_, err := r.Consume(ctx, state.ID, time.Now())
	assert.ErrorIs(t, err, serviceerr.ErrStateExpired)
}

func TestConsumeConcurrent(t *testing.T) {
	r := oauthstatesql.NewRepository(dbPool)
	ctx := t.Context()

	state := someState("sql-consume-concurrent", time.Now().Add(10*time.Minute))
	require.NoError(t, r.Store(ctx, state))

	const workers = 8

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		replay int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := r.Consume(ctx, state.ID, time.Now())

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			default:
				assert.ErrorIs(t, err, serviceerr.ErrStateAlreadyUsed)
				replay++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, replay)
}

func TestDeleteExpired(t *testing.T) {
	r := oauthstatesql.NewRepository(dbPool)
	ctx := t.Context()

	require.NoError(t, r.Store(ctx, someState("sql-sweep-dead", time.Now().Add(-time.Hour))))
	require.NoError(t, r.Store(ctx, someState("sql-sweep-live", time.Now().Add(10*time.Minute))))

	n, err := r.DeleteExpired(ctx, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	_, err = r.Consume(ctx, "sql-sweep-dead", time.Now())
	assert.ErrorIs(t, err, serviceerr.ErrStateNotFound)

	_, err = r.Consume(ctx, "sql-sweep-live", time.Now())
	assert.NoError(t, err)
}
