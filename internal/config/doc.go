// Package config provides configuration loading and validation for the audio ingestion service.
// It reads a YAML file on top of built-in defaults and applies AUDIO_INGEST_* environment
// overrides, optionally loaded from a .env file.
package config
