// Package config implements file-based JSON/JSONC configuration loading and
// the on-disk layout spec.md §6 describes, grounded on the teacher's
// internal/config package (file merge order, JSONC comment stripping,
// environment overrides) and re-pointed at this daemon's own recognized
// keys and <home>/.blah-code layout instead of the teacher's opencode.json
// provider/agent schema.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/blah-code/blah-code/internal/policy"
)

// ErrInvalidConfig is returned when a config file exists but fails to parse
// (after JSONC comment stripping) or fails validation of a recognized key's
// bounds. A missing file is not an error — Load simply skips it.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Logging holds the logging.* recognized keys.
type Logging struct {
	Level string `json:"level,omitempty"`
	Print bool   `json:"print,omitempty"`
}

// Timeout holds the timeout.* recognized keys.
type Timeout struct {
	ModelMs int `json:"modelMs,omitempty"`
}

// Daemon holds the daemon.* recognized keys.
type Daemon struct {
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	AttachURL string `json:"attachUrl,omitempty"`
}

// MCPServer holds one entry of the mcp.<name> recognized key.
type MCPServer struct {
	Enabled *bool             `json:"enabled,omitempty"` // nil means "unset", defaults to true
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// IsEnabled reports whether this server should be started, defaulting to
// true when Enabled is unset (spec.md §6: "enabled?=true").
func (s MCPServer) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Config is the recognized-key schema of spec.md §6: model, timeout,
// logging, daemon, permission, mcp. Unknown fields are silently ignored by
// plain encoding/json unmarshalling.
type Config struct {
	Model      string               `json:"model,omitempty"`
	Timeout    Timeout              `json:"timeout,omitempty"`
	Logging    Logging              `json:"logging,omitempty"`
	Daemon     Daemon               `json:"daemon,omitempty"`
	Permission policy.Policy        `json:"permission,omitempty"`
	MCP        map[string]MCPServer `json:"mcp,omitempty"`
}

// Load merges ./blah-code.json, ./.blah-code.json, and
// <home>/.blah-code/config.json in that order of precedence (a field set
// by an earlier file in the list wins over the same field in a later one),
// then applies environment overrides. directory is the
// working directory to resolve the project-local files against; empty
// skips them. A missing file at any layer is skipped; a present-but-
// malformed file fails the whole call with ErrInvalidConfig, per spec.md's
// fail-fast requirement (the teacher instead silently ignores parse
// errors on project files — tightened here per SPEC_FULL.md §2.3).
func Load(directory string) (*Config, error) {
	cfg := &Config{}

	candidates := []string{}
	if directory != "" {
		candidates = append(candidates,
			filepath.Join(directory, "blah-code.json"),
			filepath.Join(directory, ".blah-code.json"),
		)
	}
	candidates = append(candidates, filepath.Join(GetPaths().Config, "config.json"))

	// Apply the lowest-precedence file first so higher-precedence files
	// override it.
	for i := len(candidates) - 1; i >= 0; i-- {
		if err := loadConfigFile(candidates[i], cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadConfigFile reads path, strips JSONC comments, and merges it into cfg.
// A missing file is not an error.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
	}

	data = stripJSONComments(data)

	var layer Config
	if err := json.Unmarshal(data, &layer); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	if err := validate(&layer); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	mergeConfig(cfg, &layer)
	return nil
}

// stripJSONComments removes // and /* */ comments from JSONC, matching the
// teacher's internal/config/config.go stripJSONComments.
func stripJSONComments(data []byte) []byte {
	singleLine := regexp.MustCompile(`//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, nil)
	}
	data = bytes.Join(lines, []byte("\n"))

	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	data = multiLine.ReplaceAll(data, nil)

	return data
}

// validate checks the bounded recognized keys spec.md §6 names:
// timeout.modelMs ∈ [1000,600000], daemon.port ∈ [1,65535], logging.level
// one of debug|info|warn|error.
func validate(cfg *Config) error {
	if cfg.Timeout.ModelMs != 0 && (cfg.Timeout.ModelMs < 1000 || cfg.Timeout.ModelMs > 600000) {
		return fmt.Errorf("timeout.modelMs %d out of range [1000,600000]", cfg.Timeout.ModelMs)
	}
	if cfg.Daemon.Port != 0 && (cfg.Daemon.Port < 1 || cfg.Daemon.Port > 65535) {
		return fmt.Errorf("daemon.port %d out of range [1,65535]", cfg.Daemon.Port)
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug|info|warn|error", cfg.Logging.Level)
	}
	if cfg.Permission != nil {
		if _, err := policy.Normalize(cfg.Permission); err != nil {
			return err
		}
	}
	return nil
}

// mergeConfig merges source's set fields into target, a later layer
// overriding an earlier one field by field (maps merge key by key).
func mergeConfig(target, source *Config) {
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.Timeout.ModelMs != 0 {
		target.Timeout.ModelMs = source.Timeout.ModelMs
	}
	if source.Logging.Level != "" {
		target.Logging.Level = source.Logging.Level
	}
	if source.Logging.Print {
		target.Logging.Print = source.Logging.Print
	}
	if source.Daemon.Host != "" {
		target.Daemon.Host = source.Daemon.Host
	}
	if source.Daemon.Port != 0 {
		target.Daemon.Port = source.Daemon.Port
	}
	if source.Daemon.AttachURL != "" {
		target.Daemon.AttachURL = source.Daemon.AttachURL
	}
	if source.Permission != nil {
		if target.Permission == nil {
			target.Permission = policy.Policy{}
		}
		for k, v := range source.Permission {
			target.Permission[k] = v
		}
	}
	if source.MCP != nil {
		if target.MCP == nil {
			target.MCP = make(map[string]MCPServer)
		}
		for name, server := range source.MCP {
			target.MCP[name] = server
		}
	}
}

// applyEnvOverrides applies the environment variable overrides:
// BLAH_CODE_MODEL replaces the model and BLAH_CODE_DAEMON_HOST replaces
// daemon.host, each only when set. Credential env vars (ANTHROPIC_API_KEY
// etc.) are read directly by the model transport, not staged through Config.
func applyEnvOverrides(cfg *Config) {
	if model := os.Getenv("BLAH_CODE_MODEL"); model != "" {
		cfg.Model = model
	}
	if host := os.Getenv("BLAH_CODE_DAEMON_HOST"); host != "" {
		cfg.Daemon.Host = host
	}
}

// Save writes cfg as indented JSON to path, creating parent directories as
// needed.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
