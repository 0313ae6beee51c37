// Package configs embeds the templates written by "hass-action init".
package configs

import (
	_ "embed"
)

// ConfigYAML is the config.yaml template with every homeassistant, server,
// logging and metrics key at its default.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// EnvExample is the .env template listing the HASS_* environment variables.
//
//go:embed .env.example
var EnvExample []byte
