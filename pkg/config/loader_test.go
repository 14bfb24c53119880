package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conference.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestInitializeMergesUserValuesOverDefaults(t *testing.T) {
	path := writeConfigFile(t, `
id: conference.testing
http_addr: ":8090"
database:
  host: db.internal
  database: conference
`)

	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "conference.testing", cfg.ID)
	assert.Equal(t, ":8090", cfg.HTTPAddr)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "conference", cfg.Database.Database)
	// Untouched knobs fall back to defaultConfig.
	assert.Equal(t, int64(20), cfg.Outbox.MessagesPerTry)
	assert.Positive(t, cfg.Waitlist.EpochDuration)
}

func TestInitializeExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("CONFERENCE_DB_HOST", "env-db.internal")
	path := writeConfigFile(t, `
id: conference.testing
database:
  host: ${CONFERENCE_DB_HOST}
  database: conference
`)

	cfg, err := Initialize(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "env-db.internal", cfg.Database.Host)
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), "/nonexistent/conference.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeRejectsMissingID(t *testing.T) {
	path := writeConfigFile(t, `
database:
  host: db.internal
  database: conference
`)
	_, err := Initialize(context.Background(), path)
	require.Error(t, err)
}
