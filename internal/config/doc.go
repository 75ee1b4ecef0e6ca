// Package config loads, normalizes, and validates bgremove configuration.
//
// Values come from built-in defaults, an optional TOML file, and environment
// overrides, applied in that order. Commands obtain every setting through
// Load so the remote service URL, export target, and server options are
// checked once before any workflow starts.
package config
