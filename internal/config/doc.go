// Package config builds the draftsender runtime configuration from the
// environment and an optional .env file.
package config
