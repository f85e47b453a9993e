// Package config loads and validates Beacon's YAML configuration, layering
// an optional config file over built-in defaults.
package config
