package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/internal/db"
	"github.com/mind-engage/mindengage-lti-tool/internal/db/dbtest"
)

func TestParseDriver(t *testing.T) {
	for in, want := range map[string]db.Driver{"": db.DriverSQLite, "sqlite3": db.DriverSQLite, "pgx": db.DriverPostgres, "Postgres": db.DriverPostgres} {
		got, err := db.ParseDriver(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := db.ParseDriver("mysql")
	assert.Error(t, err)
}

func TestUpIsIdempotent(t *testing.T) {
	d := dbtest.Open(t)
	require.NoError(t, db.Up(context.Background(), d))

	var n int
	err := d.SQL.QueryRow(`SELECT COUNT(*) FROM lti_profiles`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	d := dbtest.Open(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, d, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO courses (id, org, created_at) VALUES ($1, $2, $3)`, "course-v1:a+b+c", "a", 1); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, d.SQL.QueryRow(`SELECT COUNT(*) FROM courses`).Scan(&n))
	assert.Zero(t, n)
}
