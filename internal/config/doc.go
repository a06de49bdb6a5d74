// Package config loads and validates warden's configuration.
//
// Configuration lives at ~/.warden/config.yaml and is created with
// defaults on first load. Every key can be overridden through
// WARDEN_* environment variables, e.g. WARDEN_LOGGING_LEVEL=debug.
package config
