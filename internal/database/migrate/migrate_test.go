package migrate

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMigrator struct {
	upErr      error
	downErr    error
	versionVal uint
	dirty      bool
	versionErr error
}

func (m *mockMigrator) Up() error   { return m.upErr }
func (m *mockMigrator) Down() error { return m.downErr }
func (m *mockMigrator) Version() (uint, bool, error) {
	return m.versionVal, m.dirty, m.versionErr
}

func withMigrator(t *testing.T, m migrator, err error) {
	t.Helper()
	orig := newMigrator
	newMigrator = func(*sql.DB) (migrator, error) { return m, err }
	t.Cleanup(func() { newMigrator = orig })
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	assert.Equal(t, []string{
		"000001_sessions.down.sql",
		"000001_sessions.up.sql",
		"000002_settings.down.sql",
		"000002_settings.up.sql",
		"000003_uploads.down.sql",
		"000003_uploads.up.sql",
		"000004_jobs.down.sql",
		"000004_jobs.up.sql",
	}, names)
}

func TestMigrationsDefineCoreColumns(t *testing.T) {
	tests := []struct {
		file    string
		columns []string
	}{
		{"000001_sessions.up.sql", []string{"token", "expires_at", "last_activity_at"}},
		{"000002_settings.up.sql", []string{"key", "value", "updated_at"}},
		{"000003_uploads.up.sql", []string{"object_key", "storage_driver", "visibility", "ocr_text"}},
		{"000004_jobs.up.sql", []string{"attempts_made", "max_attempts", "backoff_ms", "priority", "run_at", "locked_until"}},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			raw, err := migrations.ReadFile("migrations/" + tt.file)
			require.NoError(t, err)
			for _, col := range tt.columns {
				assert.True(t, strings.Contains(string(raw), col), "missing column %s", col)
			}
		})
	}
}

func TestRun(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		withMigrator(t, &mockMigrator{versionVal: 4}, nil)
		assert.NoError(t, Run(nil))
	})

	t.Run("no_change_is_success", func(t *testing.T) {
		withMigrator(t, &mockMigrator{upErr: migrate.ErrNoChange, versionVal: 4}, nil)
		assert.NoError(t, Run(nil))
	})

	t.Run("nil_version_is_success", func(t *testing.T) {
		withMigrator(t, &mockMigrator{versionErr: migrate.ErrNilVersion}, nil)
		assert.NoError(t, Run(nil))
	})

	t.Run("dirty_state_is_logged_not_failed", func(t *testing.T) {
		withMigrator(t, &mockMigrator{versionVal: 3, dirty: true}, nil)
		assert.NoError(t, Run(nil))
	})

	t.Run("up_error", func(t *testing.T) {
		withMigrator(t, &mockMigrator{upErr: errors.New("syntax error")}, nil)
		err := Run(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "running migrations")
	})

	t.Run("version_error", func(t *testing.T) {
		withMigrator(t, &mockMigrator{versionErr: errors.New("boom")}, nil)
		err := Run(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "getting migration version")
	})

	t.Run("factory_error", func(t *testing.T) {
		withMigrator(t, nil, errors.New("factory error"))
		assert.EqualError(t, Run(nil), "factory error")
	})
}

func TestDown(t *testing.T) {
	withMigrator(t, &mockMigrator{downErr: migrate.ErrNoChange}, nil)
	assert.NoError(t, Down(nil))

	withMigrator(t, &mockMigrator{downErr: errors.New("locked")}, nil)
	err := Down(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rolling back migrations")
}

func TestVersion(t *testing.T) {
	withMigrator(t, &mockMigrator{versionVal: 4}, nil)
	v, dirty, err := Version(nil)
	require.NoError(t, err)
	assert.Equal(t, uint(4), v)
	assert.False(t, dirty)
}
