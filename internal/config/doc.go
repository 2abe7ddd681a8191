// Package config loads switchboard configuration from YAML or TOML files,
// expanding ${VAR} references and parsing duration strings.
package config
