package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withIsolatedHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("BLAH_CODE_HOME", filepath.Join(home, ".blah-code"))
	return home
}

func TestLoadRecognizedKeys(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{
		"model": "claude-sonnet-4-5",
		"timeout": {"modelMs": 30000},
		"logging": {"level": "debug", "print": true},
		"daemon": {"host": "0.0.0.0", "port": 5050},
		"permission": {"write": "ask", "exec": {"rm *": "deny"}},
		"mcp": {
			"filesystem": {"command": "npx", "args": ["-y", "server-filesystem"], "cwd": "/tmp"}
		}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	assert.Equal(t, 30000, cfg.Timeout.ModelMs)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Print)
	assert.Equal(t, "0.0.0.0", cfg.Daemon.Host)
	assert.Equal(t, 5050, cfg.Daemon.Port)
	assert.Equal(t, "ask", cfg.Permission["write"])
	assert.True(t, cfg.MCP["filesystem"].IsEnabled())
	assert.Equal(t, "npx", cfg.MCP["filesystem"].Command)
	assert.Equal(t, []string{"-y", "server-filesystem"}, cfg.MCP["filesystem"].Args)
}

func TestJSONCComments(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{
		// this is a comment
		"model": "claude-sonnet-4-5",
		/* multi
		   line */
		"logging": {"level": "info" /* inline */}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestUnknownFieldsAreIgnored(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{"model": "claude-sonnet-4-5", "totallyUnknownField": {"nested": true}}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
}

func TestMalformedJSONFailsFast(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(`{not valid json`), 0644))

	_, err := Load(projectDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Empty(t, cfg.Model)
}

func TestConfigMergePrecedence(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	globalCfg := `{"model": "global-model", "logging": {"level": "warn"}}`
	globalPath := GlobalConfigPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(globalPath), 0755))
	require.NoError(t, os.WriteFile(globalPath, []byte(globalCfg), 0644))

	projectCfg := `{"model": "project-model"}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(projectCfg), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)

	// project file (earlier in merge order) is overridden by nothing after it
	// except the home config, which only supplies logging.level since model
	// was already set by the project file.
	assert.Equal(t, "project-model", cfg.Model)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestDotPrefixedProjectFile(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{"model": "dot-config-model"}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ".blah-code.json"), []byte(raw), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "dot-config-model", cfg.Model)
}

func TestEnvVarOverridesModel(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()
	t.Setenv("BLAH_CODE_MODEL", "env-model")

	raw := `{"model": "file-model"}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.Equal(t, "env-model", cfg.Model)
}

func TestValidateRejectsOutOfRangeTimeout(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{"timeout": {"modelMs": 500}}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	_, err := Load(projectDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{"daemon": {"port": 99999}}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	_, err := Load(projectDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{"logging": {"level": "verbose"}}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	_, err := Load(projectDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejectsInvalidPermissionPolicy(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{"permission": {"write": "maybe"}}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	_, err := Load(projectDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMCPEnabledDefaultsTrue(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{"mcp": {"search": {"command": "search-server"}}}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.True(t, cfg.MCP["search"].IsEnabled())
}

func TestMCPExplicitlyDisabled(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	raw := `{"mcp": {"search": {"command": "search-server", "enabled": false}}}`
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "blah-code.json"), []byte(raw), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	assert.False(t, cfg.MCP["search"].IsEnabled())
}

func TestSaveRoundTrip(t *testing.T) {
	withIsolatedHome(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := &Config{Model: "claude-sonnet-4-5", Daemon: Daemon{Port: 4096}}
	require.NoError(t, Save(cfg, path))

	loaded := &Config{}
	require.NoError(t, loadConfigFile(path, loaded))
	assert.Equal(t, "claude-sonnet-4-5", loaded.Model)
	assert.Equal(t, 4096, loaded.Daemon.Port)
}
