// Package config handles loading and validating dbchat configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/dbchat/internal/history"
	"github.com/jkaninda/dbchat/internal/observability"
	"github.com/jkaninda/dbchat/internal/ratelimit"
	"github.com/jkaninda/dbchat/internal/retention"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for dbchat.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.dbchat/data. Override: DBCHAT_DATA_DIR env var.
	Database      DatabaseConfig        `json:"database" yaml:"database"`
	Credentials   CredentialsConfig     `json:"credentials" yaml:"credentials"`
	LLM           LLMConfig             `json:"llm" yaml:"llm"`
	Query         QueryConfig           `json:"query" yaml:"query"`
	Server        ServerConfig          `json:"server" yaml:"server"`
	History       *history.Config       `json:"history,omitempty" yaml:"history,omitempty"`             // nil = SQLite default (derived from data dir)
	Retention     *retention.Config     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = pruning disabled
	Observability *observability.Config `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// DatabaseConfig locates the target database the chat answers questions
// about. The credential itself comes from the credential source, never
// from this section.
type DatabaseConfig struct {
	Host           string `json:"host" yaml:"host"`                         // Override: DB_HOST env var.
	Port           int    `json:"port" yaml:"port"`                         // Override: DB_PORT env var. Default: 5432.
	Name           string `json:"name" yaml:"name"`                         // Override: DB_NAME env var.
	SSLMode        string `json:"ssl_mode" yaml:"ssl_mode"`                 // Override: DB_SSLMODE env var. Default: "disable".
	MaxAttempts    int    `json:"max_attempts" yaml:"max_attempts"`         // Connection attempts before giving up. Default: 3.
	RetryBackoffMS int    `json:"retry_backoff_ms" yaml:"retry_backoff_ms"` // Initial backoff, doubled per attempt. Default: 500.
	MaxOpenConns   int    `json:"max_open_conns" yaml:"max_open_conns"`     // Default: 3.
	MaxIdleConns   int    `json:"max_idle_conns" yaml:"max_idle_conns"`     // Default: 1.
}

// RetryBackoff returns the initial retry backoff with a default of 500ms.
func (d *DatabaseConfig) RetryBackoff() time.Duration {
	if d != nil && d.RetryBackoffMS > 0 {
		return time.Duration(d.RetryBackoffMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// CredentialsConfig selects where database credentials come from.
type CredentialsConfig struct {
	Source      string       `json:"source" yaml:"source"`                                   // "file" (default) or "vault".
	DBCredsPath string       `json:"db_creds_path,omitempty" yaml:"db_creds_path,omitempty"` // Sidecar-rendered credential file. Default: /vault/secrets/db-creds.
	APIKeyPath  string       `json:"api_key_path,omitempty" yaml:"api_key_path,omitempty"`   // Sidecar-rendered API key file. Default: /vault/secrets/openai-token.
	Vault       *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`                 // Required when source is "vault".
}

// SourceName returns the configured source, defaulting to "file".
func (c *CredentialsConfig) SourceName() string {
	if c != nil && c.Source != "" {
		return c.Source
	}
	return "file"
}

// VaultConfig configures direct Vault API access for dynamic credentials.
// Address and token can be set here or via VAULT_ADDR / VAULT_TOKEN env
// vars. Environment variables take precedence.
type VaultConfig struct {
	Address        string `json:"address" yaml:"address"`                           // Override: VAULT_ADDR env var.
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`           // Override: VAULT_TOKEN env var.
	TokenPath      string `json:"token_path,omitempty" yaml:"token_path,omitempty"` // Sidecar-rendered token file, used when Token is empty. Default: /vault/secrets/token.
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`   // Override: VAULT_NAMESPACE env var.
	Role           string `json:"role" yaml:"role"`                                 // Database secrets engine role. Override: VAULT_DB_ROLE env var.
	Mount          string `json:"mount" yaml:"mount"`                               // Secrets engine mount. Override: VAULT_DB_MOUNT env var. Default: "database".
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`           // API request timeout. Default: 5.
	TLSSkipVerify  bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"`           // Skip TLS verification for dev.
}

// APITimeout returns the Vault request timeout with a default of 5s.
func (v *VaultConfig) APITimeout() time.Duration {
	if v != nil && v.TimeoutSeconds > 0 {
		return time.Duration(v.TimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// LLMConfig selects the language model behind the query chain.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"`                     // "openai" (default) or "ollama".
	Model    string `json:"model" yaml:"model"`                           // Default: "gpt-4".
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional. Defaults to https://api.openai.com.
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`   // Override: OPENAI_API_KEY env var. Usually read from the sidecar file instead.
}

// ProviderName returns the configured provider, defaulting to "openai".
func (l *LLMConfig) ProviderName() string {
	if l != nil && l.Provider != "" {
		return l.Provider
	}
	return "openai"
}

// ModelName returns the configured model, defaulting to "gpt-4".
func (l *LLMConfig) ModelName() string {
	if l != nil && l.Model != "" {
		return l.Model
	}
	return "gpt-4"
}

// QueryConfig tunes the natural-language-to-SQL chain.
type QueryConfig struct {
	MaxRows        int     `json:"max_rows" yaml:"max_rows"`               // Rows fetched per query. Default: 100.
	TopK           int     `json:"top_k" yaml:"top_k"`                     // Row limit suggested to the model. Default: 3.
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-query execution timeout. Default: 30.
	Temperature    float64 `json:"temperature" yaml:"temperature"`         // Default: 0.3.
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`           // Completion token cap.
}

// QueryTimeout returns the per-query timeout with a default of 30s.
func (q *QueryConfig) QueryTimeout() time.Duration {
	if q != nil && q.TimeoutSeconds > 0 {
		return time.Duration(q.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ServerConfig configures the HTTP server and chat UI.
type ServerConfig struct {
	ListenAddr          string           `json:"listen_addr" yaml:"listen_addr"` // Default: ":8000".
	EnableDocs          bool             `json:"enable_docs" yaml:"enable_docs"`
	APIKeys             []string         `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Bearer keys for /v1 endpoints. Empty = open demo. Override: DBCHAT_API_KEY env var (appended).
	MaxRequestSizeBytes int64            `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	HistoryLimit        int              `json:"history_limit" yaml:"history_limit"` // Exchanges returned by GET /v1/history. Default: 20.
	RateLimit           ratelimit.Config `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8000".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8000"
}

// DefaultConfigPath returns the default config file path (~/.dbchat/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/dbchat.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".dbchat", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. A missing file is not an error when path is empty: the demo
// is expected to run from environment variables and sidecar files alone.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	var cfg Config

	optional := path == ""
	if optional {
		path = DefaultConfigPath()
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	case optional && os.IsNotExist(err):
		// Defaults plus environment only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	applyEnvOverrides(&cfg)

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".dbchat", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variables over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}

	if v := os.Getenv("VAULT_ADDR"); v != "" {
		if cfg.Credentials.Vault == nil {
			cfg.Credentials.Vault = &VaultConfig{}
		}
		cfg.Credentials.Vault.Address = v
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" {
		if cfg.Credentials.Vault == nil {
			cfg.Credentials.Vault = &VaultConfig{}
		}
		cfg.Credentials.Vault.Token = v
	}
	if v := os.Getenv("VAULT_NAMESPACE"); v != "" {
		if cfg.Credentials.Vault != nil {
			cfg.Credentials.Vault.Namespace = v
		}
	}
	if v := os.Getenv("VAULT_DB_ROLE"); v != "" {
		if cfg.Credentials.Vault == nil {
			cfg.Credentials.Vault = &VaultConfig{}
		}
		cfg.Credentials.Vault.Role = v
	}
	if v := os.Getenv("VAULT_DB_MOUNT"); v != "" {
		if cfg.Credentials.Vault != nil {
			cfg.Credentials.Vault.Mount = v
		}
	}

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("DBCHAT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DBCHAT_API_KEY"); v != "" {
		cfg.Server.APIKeys = append(cfg.Server.APIKeys, v)
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".dbchat", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// HistoryPath returns the default SQLite history path under the data directory.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.ResolvedDataDir(), "dbchat.db")
}

// HistoryConfig returns the effective history configuration, deriving the
// SQLite default from the data directory when the section is absent.
func (c *Config) HistoryConfig() history.Config {
	if c.History != nil {
		hc := *c.History
		if (hc.Driver == "" || hc.Driver == history.DriverSQLite) && hc.SQLite.Path == "" {
			hc.SQLite.Path = c.HistoryPath()
		}
		return hc
	}
	return history.Config{
		Driver: history.DriverSQLite,
		SQLite: history.SQLiteConfig{Path: c.HistoryPath()},
	}
}

func (c *Config) validate() error {
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d is out of range", c.Database.Port)
	}
	if c.Database.MaxAttempts < 0 {
		return fmt.Errorf("database.max_attempts must not be negative")
	}

	switch c.Credentials.SourceName() {
	case "file":
		// Sidecar paths have defaults.
	case "vault":
		if c.Credentials.Vault == nil {
			return fmt.Errorf("credentials.vault is required when credentials.source is vault")
		}
		if c.Credentials.Vault.Role == "" {
			return fmt.Errorf("credentials.vault.role is required (set VAULT_DB_ROLE env var)")
		}
	default:
		return fmt.Errorf("credentials.source %q is not supported (use file or vault)", c.Credentials.Source)
	}

	switch c.LLM.ProviderName() {
	case "openai":
		// API key may arrive later via the sidecar file; checked at startup.
	case "ollama":
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("llm.base_url is required for the ollama provider")
		}
	default:
		return fmt.Errorf("llm.provider %q is not supported (use openai or ollama)", c.LLM.Provider)
	}

	if c.Query.Temperature < 0 || c.Query.Temperature > 2 {
		return fmt.Errorf("query.temperature must be between 0 and 2")
	}
	if c.Query.MaxRows < 0 {
		return fmt.Errorf("query.max_rows must not be negative")
	}

	if c.History != nil && c.History.Driver != "" {
		switch c.History.Driver {
		case history.DriverSQLite, history.DriverPostgres:
			// valid
		default:
			return fmt.Errorf("history.driver %q is not supported (use sqlite or postgres)", c.History.Driver)
		}
	}
	if c.History != nil && c.History.Driver == history.DriverPostgres && c.History.Postgres.DSN == "" {
		return fmt.Errorf("history.postgres.dsn is required for the postgres driver")
	}

	if c.Retention != nil && c.Retention.MaxAgeH < 0 {
		return fmt.Errorf("retention.max_age_h must not be negative")
	}

	if c.Server.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must not be negative")
	}

	return nil
}
