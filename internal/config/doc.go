// Package config loads agentforged settings from a YAML file, overlays
// AGENTFORGE_* environment variables and fills in defaults.
package config
