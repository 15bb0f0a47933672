package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schalter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_EmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EmptyFileIsDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
addr: 0.0.0.0:9000
database: /var/lib/schalter/items.sqlite3
log_level: debug
items:
  - name: printer
  - name: coffee-machine
timers:
  workers: 2
persist:
  attempts: 5
  backoff: 250ms
connection:
  send_timeout: 2s
  message_rate: 0
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
	assert.Equal(t, "/var/lib/schalter/items.sqlite3", cfg.Database)
	assert.Equal(t, []string{"printer", "coffee-machine"}, cfg.ItemKeys())
	assert.Equal(t, 2, cfg.Timers.Workers)
	assert.Equal(t, 5, cfg.Persist.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Persist.Backoff)
	assert.Equal(t, 2*time.Second, cfg.Connection.SendTimeout)
	assert.Equal(t, 256, cfg.Connection.SendQueueLimit)
	assert.Zero(t, cfg.Connection.MessageRate)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown field":  "colour: blue\n",
		"bad duration":   "persist:\n  backoff: soon\n",
		"duplicate item": "items:\n  - name: a\n  - name: a\n",
		"unnamed item":   "items:\n  - name: \"\"\n",
		"no workers":     "timers:\n  workers: 0\n",
		"bad level":      "log_level: loud\n",
		"negative rate":  "connection:\n  message_rate: -1\n",
		"no attempts":    "persist:\n  attempts: 0\n",
		"empty addr":     "addr: \"\"\n",
		"not a mapping":  "- a\n- b\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
