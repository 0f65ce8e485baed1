// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the quiverd process configuration: a YAML file
// merged under QUIVER_* environment overrides, with secret-bearing
// fields resolved through the internal/secrets backend chain. Required
// values missing at startup are fatal.
package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"github.com/quiverops/quiver/internal/secrets"
	quivererrors "github.com/quiverops/quiver/pkg/errors"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

const (
	// credentialKeyLen is the AES-256 key length for the credential
	// cipher.
	credentialKeyLen = 32

	// credentialKeySalt fixes the argon2id salt for passphrase-form
	// CREDENTIALS_SECRET values, so the same passphrase derives the same
	// key on every start.
	credentialKeySalt = "quiver/credentials/v1"

	// argon2id parameters for the passphrase derivation.
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
)

// Config is the complete quiverd configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
	Runner      RunnerConfig      `yaml:"runner"`
	Credentials CredentialsConfig `yaml:"credentials"`
	OAuth       OAuthConfig       `yaml:"oauth"`
	LLM         LLMConfig         `yaml:"llm"`
	Email       EmailConfig       `yaml:"email"`
	Egress      EgressConfig      `yaml:"egress"`
	Workflows   WorkflowsConfig   `yaml:"workflows"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Listen is the address to bind, e.g. ":8080" or "127.0.0.1:8080".
	// Environment: QUIVER_LISTEN
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
	// Webhook runs execute synchronously inside the request, so this
	// needs headroom for in-flight runs.
	// Environment: QUIVER_SHUTDOWN_TIMEOUT
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures run-state storage.
type DatabaseConfig struct {
	// URL selects the backend: postgres:// and postgresql:// open the
	// PostgreSQL store, anything else is treated as a SQLite path.
	// Secret chain key: DATABASE_URL
	URL string `yaml:"url"`

	// PoolSize caps open database connections.
	// Environment: QUIVER_DB_POOL_SIZE
	// Default: 10
	PoolSize int `yaml:"pool_size"`
}

// AuthConfig configures API token verification and minting.
type AuthConfig struct {
	// JWTSecret is the shared HS256 signing secret.
	// Secret chain key: JWT_SECRET
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer expected in the iss claim.
	// Default: quiverd
	Issuer string `yaml:"issuer"`

	// Audience expected in the aud claim.
	// Default: quiver
	Audience string `yaml:"audience"`

	// Leeway tolerated on time-based claims.
	// Default: 30s
	Leeway time.Duration `yaml:"leeway"`

	// TokenTTL is the lifetime of tokens minted by `quiver token create`.
	// Default: 24h
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum level (trace, debug, info, warn, error).
	// Environment: QUIVER_LOG_LEVEL, LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format selects json or text output.
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format"`

	// AddSource adds file:line to every record.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source"`
}

// RunnerConfig bounds workflow execution.
type RunnerConfig struct {
	// Concurrency is the semaphore size: how many runs may execute at
	// once across webhook, API, and MCP triggers.
	// Environment: QUIVER_RUNNER_CONCURRENCY
	// Default: 10
	Concurrency int `yaml:"concurrency"`
}

// CredentialsConfig holds the workflow-credential encryption secret.
type CredentialsConfig struct {
	// Secret is either a 64-character hex encoding of the 32-byte AES
	// key, or a passphrase the key is derived from.
	// Secret chain key: CREDENTIALS_SECRET
	Secret string `yaml:"secret"`
}

// OAuthConfig holds client registrations for delegated refresh grants.
type OAuthConfig struct {
	// TeamsClientID is the Azure AD app registration used for the MS
	// Teams refresh-token grant.
	// Secret chain key: TEAMS_CLIENT_ID
	TeamsClientID string `yaml:"teams_client_id"`

	// TeamsClientSecret is the matching client secret.
	// Secret chain key: TEAMS_CLIENT_SECRET
	TeamsClientSecret string `yaml:"teams_client_secret"`
}

// LLMConfig configures model access for AIInference nodes.
type LLMConfig struct {
	// OpenAIKey is the fallback key used when a workflow supplies no
	// credential of its own.
	// Secret chain key: OPENAI_API_KEY
	OpenAIKey string `yaml:"openai_api_key"`
}

// EmailConfig configures the outbound mail gateway.
type EmailConfig struct {
	// APIKey authorises the mail API.
	// Secret chain key: EMAIL_API_KEY
	APIKey string `yaml:"api_key"`

	// Sender is the verified from-address; SendEmail nodes may only
	// vary the display name.
	// Environment: QUIVER_EMAIL_SENDER
	Sender string `yaml:"sender"`

	// BaseURL overrides the mail API endpoint. Empty uses the default.
	BaseURL string `yaml:"base_url"`
}

// EgressConfig tunes the outbound host policy.
type EgressConfig struct {
	// Allow lists host patterns (exact, *.wildcard, CIDR) outbound
	// requests may reach. Empty means any public host.
	// Environment: QUIVER_EGRESS_ALLOW (comma-separated)
	Allow []string `yaml:"allow"`

	// Block lists host patterns that are always denied.
	// Environment: QUIVER_EGRESS_BLOCK (comma-separated)
	Block []string `yaml:"block"`

	// ResolveHosts additionally resolves hostnames and applies the
	// metadata/private-range rules to the resulting addresses.
	ResolveHosts bool `yaml:"resolve_hosts"`
}

// WorkflowsConfig configures filesystem workflow sync.
type WorkflowsConfig struct {
	// Dir is the directory watched for workflow YAML files. Empty
	// disables sync.
	// Environment: QUIVER_WORKFLOWS_DIR
	Dir string `yaml:"dir"`

	// Globs are doublestar patterns selecting workflow files under Dir.
	// Default: **/*.yaml, **/*.yml
	Globs []string `yaml:"globs"`
}

// TracingConfig configures the OpenTelemetry provider.
type TracingConfig struct {
	// Enabled turns span export on.
	// Environment: QUIVER_TRACING_ENABLED
	Enabled bool `yaml:"enabled"`

	// Exporter selects console, otlp (gRPC) or otlp-http.
	// Environment: QUIVER_TRACING_EXPORTER
	// Default: console
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP collector address.
	// Environment: QUIVER_TRACING_ENDPOINT
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS towards the collector.
	// Environment: QUIVER_TRACING_INSECURE
	Insecure bool `yaml:"insecure"`

	// Headers are added to every OTLP export request.
	Headers map[string]string `yaml:"headers"`

	// SampleRate is the fraction of runs traced (0.0 - 1.0).
	// Environment: QUIVER_TRACING_SAMPLE_RATE
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns a Config with every optional field at its default.
// Required secrets stay empty; Load fills them from the chain and
// Validate rejects what remains missing.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			PoolSize: 10,
		},
		Auth: AuthConfig{
			Issuer:   "quiverd",
			Audience: "quiver",
			Leeway:   30 * time.Second,
			TokenTTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Runner: RunnerConfig{
			Concurrency: 10,
		},
		Workflows: WorkflowsConfig{
			Globs: []string{"**/*.yaml", "**/*.yml"},
		},
		Tracing: TracingConfig{
			Exporter:   "console",
			SampleRate: 1.0,
		},
	}
}

// Load reads the YAML file at path (skipped when empty), applies
// environment overrides, resolves secret fields through the default
// backend chain and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithChain(path, secrets.DefaultChain())
}

// LoadWithChain is Load with an explicit secret backend chain.
func LoadWithChain(path string, chain *secrets.Chain) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &quivererrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()
	cfg.resolveSecrets(context.Background(), chain)

	if err := cfg.Validate(); err != nil {
		// ConfigError.Error ignores Cause, so the per-key detail has to
		// ride in Reason for the operator to see it.
		return nil, &quivererrors.ConfigError{
			Key:    "validation",
			Reason: err.Error(),
			Cause:  err,
		}
	}

	return cfg, nil
}

// CredentialKey returns the 32-byte AES-256 key for the workflow
// credential cipher. A 64-character hex secret decodes directly; any
// other value is treated as a passphrase and stretched with argon2id.
func (c *Config) CredentialKey() ([]byte, error) {
	secret := c.Credentials.Secret
	if secret == "" {
		return nil, &quivererrors.ConfigError{
			Key:    "CREDENTIALS_SECRET",
			Reason: "credential encryption secret is not set",
		}
	}

	if len(secret) == hex.EncodedLen(credentialKeyLen) {
		if key, err := hex.DecodeString(secret); err == nil {
			return key, nil
		}
	}

	key := argon2.IDKey([]byte(secret), []byte(credentialKeySalt), argon2Time, argon2Memory, argon2Parallelism, credentialKeyLen)
	return key, nil
}

// loadFromFile merges a YAML file into the config.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero values so a minimal YAML file works without
// spelling out every section.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = defaults.Server.Listen
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if c.Database.PoolSize == 0 {
		c.Database.PoolSize = defaults.Database.PoolSize
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = defaults.Auth.Issuer
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = defaults.Auth.Audience
	}
	if c.Auth.Leeway == 0 {
		c.Auth.Leeway = defaults.Auth.Leeway
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = defaults.Auth.TokenTTL
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Runner.Concurrency == 0 {
		c.Runner.Concurrency = defaults.Runner.Concurrency
	}
	if len(c.Workflows.Globs) == 0 {
		c.Workflows.Globs = defaults.Workflows.Globs
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = defaults.Tracing.SampleRate
	}
}

// loadFromEnv applies QUIVER_* overrides for non-secret settings.
// Secret-bearing fields go through the backend chain instead, whose env
// backend covers the environment case.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("QUIVER_LISTEN"); val != "" {
		c.Server.Listen = val
	}
	if val := os.Getenv("QUIVER_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("QUIVER_DB_POOL_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Database.PoolSize = n
		}
	}
	if val := os.Getenv("QUIVER_RUNNER_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Runner.Concurrency = n
		}
	}

	// Same variable names internal/log honours for ad-hoc CLI use.
	if val := os.Getenv("QUIVER_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = boolValue(val)
	}

	if val := os.Getenv("QUIVER_JWT_ISSUER"); val != "" {
		c.Auth.Issuer = val
	}
	if val := os.Getenv("QUIVER_JWT_AUDIENCE"); val != "" {
		c.Auth.Audience = val
	}
	if val := os.Getenv("QUIVER_EMAIL_SENDER"); val != "" {
		c.Email.Sender = val
	}
	if val := os.Getenv("QUIVER_WORKFLOWS_DIR"); val != "" {
		c.Workflows.Dir = val
	}

	if val := os.Getenv("QUIVER_EGRESS_ALLOW"); val != "" {
		c.Egress.Allow = splitList(val)
	}
	if val := os.Getenv("QUIVER_EGRESS_BLOCK"); val != "" {
		c.Egress.Block = splitList(val)
	}

	if val := os.Getenv("QUIVER_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = boolValue(val)
	}
	if val := os.Getenv("QUIVER_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("QUIVER_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
	if val := os.Getenv("QUIVER_TRACING_INSECURE"); val != "" {
		c.Tracing.Insecure = boolValue(val)
	}
	if val := os.Getenv("QUIVER_TRACING_SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Tracing.SampleRate = rate
		}
	}
}

// secretField binds a chain key to its config destination.
type secretField struct {
	key  string
	dest *string
}

// resolveSecrets fills secret-bearing fields from the backend chain.
// A chain hit overrides the YAML value (the env backend sits at the top
// of the chain, so environment still beats the file); a chain miss
// leaves whatever the YAML supplied.
func (c *Config) resolveSecrets(ctx context.Context, chain *secrets.Chain) {
	if chain == nil {
		return
	}

	fields := []secretField{
		{"CREDENTIALS_SECRET", &c.Credentials.Secret},
		{"DATABASE_URL", &c.Database.URL},
		{"JWT_SECRET", &c.Auth.JWTSecret},
		{"TEAMS_CLIENT_ID", &c.OAuth.TeamsClientID},
		{"TEAMS_CLIENT_SECRET", &c.OAuth.TeamsClientSecret},
		{"OPENAI_API_KEY", &c.LLM.OpenAIKey},
		{"EMAIL_API_KEY", &c.Email.APIKey},
	}

	for _, f := range fields {
		if value, err := chain.Get(ctx, f.key); err == nil {
			*f.dest = value
		}
	}
}

// Validate checks the configuration, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []string

	// Required secrets. Missing any of these is fatal at startup.
	required := []struct {
		key   string
		value string
	}{
		{"CREDENTIALS_SECRET", c.Credentials.Secret},
		{"DATABASE_URL", c.Database.URL},
		{"JWT_SECRET", c.Auth.JWTSecret},
		{"TEAMS_CLIENT_ID", c.OAuth.TeamsClientID},
		{"TEAMS_CLIENT_SECRET", c.OAuth.TeamsClientSecret},
		{"OPENAI_API_KEY", c.LLM.OpenAIKey},
		{"EMAIL_API_KEY", c.Email.APIKey},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Sprintf("%s is required", r.key))
		}
	}
	if c.Email.Sender == "" {
		errs = append(errs, "email.sender is required")
	}

	if c.Server.Listen == "" {
		errs = append(errs, "server.listen must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}
	if c.Database.PoolSize < 1 {
		errs = append(errs, fmt.Sprintf("database.pool_size must be at least 1, got %d", c.Database.PoolSize))
	}
	if c.Runner.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("runner.concurrency must be at least 1, got %d", c.Runner.Concurrency))
	}
	if c.Auth.Leeway < 0 {
		errs = append(errs, fmt.Sprintf("auth.leeway must be non-negative, got %v", c.Auth.Leeway))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, fmt.Sprintf("auth.token_ttl must be positive, got %v", c.Auth.TokenTTL))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	validExporters := map[string]bool{"console": true, "otlp": true, "otlp-http": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [console, otlp, otlp-http], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0.0 and 1.0, got %v", c.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// splitList parses a comma-separated environment value.
func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func boolValue(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}
