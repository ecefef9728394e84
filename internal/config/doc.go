// Package config loads, normalizes, and validates mediaflow configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// MEDIAFLOW_API_TOKEN and MEDIAFLOW_DEVICE. A single Config type serves the
// orchestrator daemon, the CLI and every stage service; each process reads
// only the sections it needs.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
