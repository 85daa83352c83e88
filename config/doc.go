// Package config loads comfygen's TOML configuration.
//
// Load starts from Default, overlays the file (when present), applies
// environment overrides (COMFYGEN_SERVER_URL, COMFYGEN_LOG_LEVEL), expands
// paths and validates the result. CreateSample writes the embedded,
// commented sample used by `comfygen config init`.
package config
