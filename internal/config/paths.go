package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths is the durable-state layout of spec.md §6: everything lives under
// one base directory instead of the teacher's XDG-style data/config/cache/
// state split.
type Paths struct {
	Base   string // <home>/.blah-code
	Config string // <home>/.blah-code (config.json lives directly here)
	Logs   string // <home>/.blah-code/logs
}

// GetPaths returns the standard paths for blah-code's durable state,
// rooted at <home>/.blah-code (spec.md §6), overridable via
// BLAH_CODE_HOME for tests and non-standard installs.
func GetPaths() *Paths {
	base := filepath.Join(homeDir(), ".blah-code")
	if override := os.Getenv("BLAH_CODE_HOME"); override != "" {
		base = override
	}
	return &Paths{
		Base:   base,
		Config: base,
		Logs:   filepath.Join(base, "logs"),
	}
}

// EnsurePaths creates the base and logs directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Base, p.Logs} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// SessionsDBPath returns the path to the event log's embedded store,
// spec.md §6's "<home>/.blah-code/sessions.db".
func (p *Paths) SessionsDBPath() string {
	return filepath.Join(p.Base, "sessions.db")
}

// CurrentLogPath returns the path to the active log file, spec.md §6's
// "<home>/.blah-code/logs/current.log".
func (p *Paths) CurrentLogPath() string {
	return filepath.Join(p.Logs, "current.log")
}

func homeDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("USERPROFILE"); appData != "" {
			return appData
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// GlobalConfigPath returns the path to the global config file,
// <home>/.blah-code/config.json.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "config.json")
}

// ProjectConfigPath returns the path to the project-local config file,
// <directory>/blah-code.json.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, "blah-code.json")
}
