// Package config loads blah-code's JSON/JSONC configuration and resolves
// its durable-state paths.
//
// Load merges ./blah-code.json, ./.blah-code.json, and
// <home>/.blah-code/config.json (each parsed after a JSONC comment strip),
// earlier files in that list taking precedence over later ones, then
// applies environment overrides. A missing file is skipped; a
// present-but-malformed one fails the whole call with ErrInvalidConfig.
//
// GetPaths resolves the durable-state layout: sessions.db, logs/current.log,
// and config.json all live under <home>/.blah-code, overridable via
// BLAH_CODE_HOME.
package config
