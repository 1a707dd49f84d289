// Package config provides machine client configuration.
//
// A single Config value is loaded from defaults, an optional YAML file and
// environment overrides, then passed explicitly into every component
// constructor.
package config
