package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ixedge/sigcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestConfig_Load_AppliesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeConfig(t, dir, `{"operation_mode":"voltdb","cam_db":{"host":"10.0.0.1","port":8080}}`)

	cfg, err := config.Load(p)
	require.NoError(t, err)

	assert.Equal(t, "voltdb", cfg.OperationMode)
	assert.Equal(t, 3, cfg.CamDB.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.CamDB.Retry.DelayMS)
	assert.Equal(t, 30, cfg.CamDB.BackgroundReconnect.CheckIntervalSec)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Load_MissingHostInVoltdbMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeConfig(t, dir, `{"operation_mode":"voltdb"}`)

	cfg, err := config.Load(p)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_SpecialSiteRequiresExactlyOneMode(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeConfig(t, dir, `{"operation_mode":"manual","special_site":{"enabled":true,"straight_left":true,"right":true}}`)

	cfg, err := config.Load(p)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestConfig_UpdateFromJSON_NotifiesChanged(t *testing.T) {
	t.Parallel()

	c := config.New("")
	require.NoError(t, c.UpdateFromJSON([]byte(`{"operation_mode":"manual"}`)))

	select {
	case <-c.Changed():
	default:
		t.Fatal("expected a change notification")
	}
}

func TestConfig_Load_PersistsAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeConfig(t, dir, `{"operation_mode":"manual"}`)

	_, err := config.Load(p)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".sigcore-cfg-")
	}
}
