package database

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMigration(t *testing.T) {
	body := "CREATE TABLE IF NOT EXISTS {{table}} (x int); CREATE INDEX {{index_prefix}}_idx ON {{table}} (x);"
	got := renderMigration(body, "Live-Prices")
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "Live-Prices" (x int); CREATE INDEX live_prices_idx ON "Live-Prices" (x);`, got)
}

func TestMigrationFiles_Ordered(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_live_prices.sql", "002_live_prices_indexes.sql"}, files)
}

func TestRunMigrations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(quoted(`CREATE TABLE IF NOT EXISTS "ticks"`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(quoted(`ticks_underlying_idx`)).
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

	require.NoError(t, RunMigrations(context.Background(), mock, "ticks"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
