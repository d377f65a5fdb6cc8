package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annexe/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := Current(ctx, conn.DB)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, Migrate(conn.DB))
	require.NoError(t, Migrate(conn.DB))

	latest, err := Latest()
	require.NoError(t, err)
	assert.Equal(t, 3, latest)
	v, err = Current(ctx, conn.DB)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	for _, table := range []string{"missions", "steps", "choices", "conditions", "finalities", "villages", "mission_villages", "characters", "mission_playing", "rank_stats", "stat_admin_records", "character_owners", "events", "api_keys"} {
		var n int
		require.NoError(t, conn.GetContext(ctx, &n, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table))
		assert.Equal(t, 1, n, table)
	}
}

func TestLedgerRecordsEachMigration(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	rows, err := AppliedMigrations(ctx, conn.DB)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, MigrateContext(ctx, conn.DB))
	rows, err = AppliedMigrations(ctx, conn.DB)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "0001_graph.sql", rows[0].Name)
	assert.Equal(t, "0002_play.sql", rows[1].Name)
	assert.Equal(t, "0003_mission_ready.sql", rows[2].Name)
	assert.NotEmpty(t, rows[2].AppliedAt)
}

func TestParseMigrations(t *testing.T) {
	ok := fstest.MapFS{
		"sql/0002_b.sql": {Data: []byte("SELECT 2;")},
		"sql/0001_a.sql": {Data: []byte("SELECT 1;")},
		"sql/notes.txt":  {Data: []byte("ignored")},
	}
	got, err := parseMigrations(ok)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Version)
	assert.Equal(t, "SELECT 2;", got[1].SQL)

	for name, fsys := range map[string]fstest.MapFS{
		"no underscore": {"sql/0001.sql": {Data: []byte("")}},
		"not a number":  {"sql/abc_x.sql": {Data: []byte("")}},
		"duplicate":     {"sql/0001_a.sql": {Data: []byte("")}, "sql/01_b.sql": {Data: []byte("")}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseMigrations(fsys)
			assert.Error(t, err)
		})
	}
}
