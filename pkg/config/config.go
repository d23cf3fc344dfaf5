// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the orchestration kernel's runtime configuration:
// the durable store location, filesystem roots for checkpoints and
// artifacts, the connector plugin directory, and the timing knobs the
// dispatcher and job state machine use.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the training orchestration kernel.
type Config struct {
	// DatabaseURL is the DSN for the durable job store.
	DatabaseURL string

	// CheckpointRoot is the filesystem root under which per-job
	// checkpoint directories are created.
	CheckpointRoot string

	// ArtifactRoot is the filesystem root under which downloaded
	// training artifacts are stored.
	ArtifactRoot string

	// ConnectorPluginDir is scanned at startup for connector manifests.
	ConnectorPluginDir string

	// PollInterval is the interval at which the provider dispatcher
	// polls a provider job's status.
	PollInterval time.Duration

	// PauseTimeout bounds how long Pause waits for the job's actor to
	// acknowledge a pause request before returning a timeout error.
	PauseTimeout time.Duration

	// RPCTimeout bounds individual connector RPCs (submit, cancel,
	// fetch_artifact, ...).
	RPCTimeout time.Duration

	// MaxBackoff caps the provider dispatcher's exponential backoff
	// between failed status polls.
	MaxBackoff time.Duration

	// FailureEscalation is the duration of sustained connector failure
	// after which a job is moved to FAILED.
	FailureEscalation time.Duration

	// UserAgent is sent on every connector HTTP request.
	UserAgent string

	// MaxRetries is the maximum number of retries for a connector RPC.
	MaxRetries int

	// Debug enables debug logging.
	Debug bool

	// InsecureSkipVerify skips TLS certificate verification on
	// connector HTTP clients. Never enable outside local testing.
	InsecureSkipVerify bool
}

// NewDefault creates a new configuration with default values. The path
// fields and the Debug/InsecureSkipVerify flags take PEFTKIT_*
// environment variables where set; the timing and retry fields are
// overridden only by Load.
func NewDefault() *Config {
	return &Config{
		DatabaseURL:        getEnvOrDefault("PEFTKIT_DATABASE_URL", "file:peftkit.db"),
		CheckpointRoot:     getEnvOrDefault("PEFTKIT_CHECKPOINT_ROOT", "./data/checkpoints"),
		ArtifactRoot:       getEnvOrDefault("PEFTKIT_ARTIFACT_ROOT", "./data/artifacts"),
		ConnectorPluginDir: getEnvOrDefault("PEFTKIT_CONNECTOR_PLUGIN_DIR", "./connectors"),
		PollInterval:       10 * time.Second,
		PauseTimeout:       30 * time.Second,
		RPCTimeout:         30 * time.Second,
		MaxBackoff:         60 * time.Second,
		FailureEscalation:  5 * time.Minute,
		UserAgent:          "peftkit-orchestrator/1.0",
		MaxRetries:         5,
		Debug:              getEnvBoolOrDefault("PEFTKIT_DEBUG", false),
		InsecureSkipVerify: getEnvBoolOrDefault("PEFTKIT_INSECURE_SKIP_VERIFY", false),
	}
}

// Load applies environment variable overrides onto an existing Config.
func (c *Config) Load() {
	if v := os.Getenv("PEFTKIT_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("PEFTKIT_CHECKPOINT_ROOT"); v != "" {
		c.CheckpointRoot = v
	}
	if v := os.Getenv("PEFTKIT_ARTIFACT_ROOT"); v != "" {
		c.ArtifactRoot = v
	}
	if v := os.Getenv("PEFTKIT_CONNECTOR_PLUGIN_DIR"); v != "" {
		c.ConnectorPluginDir = v
	}
	if v := os.Getenv("PEFTKIT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := os.Getenv("PEFTKIT_PAUSE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PauseTimeout = d
		}
	}
	if v := os.Getenv("PEFTKIT_RPC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RPCTimeout = d
		}
	}
	if v := os.Getenv("PEFTKIT_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = i
		}
	}

	c.Debug = getEnvBoolOrDefault("PEFTKIT_DEBUG", c.Debug)
	c.InsecureSkipVerify = getEnvBoolOrDefault("PEFTKIT_INSECURE_SKIP_VERIFY", c.InsecureSkipVerify)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.CheckpointRoot == "" {
		return ErrMissingCheckpointRoot
	}
	if c.ArtifactRoot == "" {
		return ErrMissingArtifactRoot
	}
	if c.RPCTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if c.PauseTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
