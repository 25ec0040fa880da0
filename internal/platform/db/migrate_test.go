package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/migration/migrations"
)

func newTestMigrator(t *testing.T, files fstest.MapFS) *Migrator {
	t.Helper()
	m, err := NewMigrator(nil, files, "", zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestLoadMigrations(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"002_targets.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"001_core.sql":    {Data: []byte("CREATE TABLE a (id INT);")},
		"010_late.sql":    {Data: []byte("SELECT 10;")},
	})

	loaded, err := m.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	for i, v := range []int{1, 2, 10} {
		assert.Equal(t, v, loaded[i].Version, "migration %d", i)
	}
	assert.Equal(t, "001_core.sql", loaded[0].Name)
	assert.Equal(t, "CREATE TABLE a (id INT);", loaded[0].SQL)
}

func TestLoadMigrations_SkipsNonMigrations(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no version prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric prefix")},
		"000_zero.sql":       {Data: []byte("-- zero is not a version")},
		"sub/003_nested.sql": {Data: []byte("SELECT 3;")},
	})

	loaded, err := m.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 1, loaded[0].Version)
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	m := newTestMigrator(t, fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 1;")},
	})
	_, err := m.LoadMigrations()
	assert.Error(t, err)
}

func TestLoadMigrations_Embedded(t *testing.T) {
	m, err := NewMigrator(nil, migrations.FS, "public", zerolog.Nop())
	require.NoError(t, err)
	loaded, err := m.LoadMigrations()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(loaded), 2)
	assert.Equal(t, "001_migration_core.sql", loaded[0].Name)
}

func TestNewMigrator_RejectsBadSchema(t *testing.T) {
	for _, schema := range []string{"public; DROP TABLE x", "1abc", "a-b"} {
		_, err := NewMigrator(nil, fstest.MapFS{}, schema, zerolog.Nop())
		assert.Error(t, err, "schema %q", schema)
	}
	assert.Equal(t, "public", newTestMigrator(t, fstest.MapFS{}).schema)
}

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		name    string
		version int
		ok      bool
	}{
		{"001_core.sql", 1, true},
		{"42_answer.sql", 42, true},
		{"001core.sql", 0, false},
		{"001_core.txt", 0, false},
		{"x_core.sql", 0, false},
	}
	for _, tt := range tests {
		v, ok := ParseMigrationName(tt.name)
		assert.Equal(t, tt.version, v, tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
	}
}

func TestBuildStatus(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	statuses := BuildStatus([]Migration{
		{Version: 1, Name: "001_core.sql"},
		{Version: 2, Name: "002_targets.sql"},
	}, map[int]time.Time{1: at})

	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	require.NotNil(t, statuses[0].AppliedAt)
	assert.True(t, statuses[0].AppliedAt.Equal(at))
	assert.False(t, statuses[1].Applied)
	assert.Nil(t, statuses[1].AppliedAt)
}
