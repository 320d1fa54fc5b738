// Package config owns the lectern TOML configuration.
//
// Load finds the file (--config, $LECTERN_CONFIG, ~/.config/lectern/config.toml
// or ./lectern.toml), layers it over Default, expands "~" paths, applies
// LECTERN_API_TOKEN and LECTERN_STAGE_TOKEN, and validates the result. Unknown
// keys are rejected. Derived locations such as the store database, pid file
// and lock file hang off the data directory via helper methods.
package config
