// Package config loads application configuration from config.yaml and
// environment variables into typed records.
//
// Priority, highest first: environment variables, config file, defaults.
// Sensitive values (DB_USER, DB_PASSWORD) are accepted from the environment
// only and never written back to disk.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Inference provider identifiers used in Config.Inference.Provider.
const (
	ProviderServing = "serving"
	ProviderOpenAI  = "openai"
)

var (
	// ErrInvalidProvider indicates an unsupported inference provider.
	ErrInvalidProvider = errors.New("invalid inference provider")

	// ErrMissingEndpoint indicates the serving endpoint name is not set.
	ErrMissingEndpoint = errors.New("missing serving endpoint name")
)

// Config is the root application configuration.
type Config struct {
	Databricks DatabricksConfig `mapstructure:"databricks"`
	Database   DatabaseConfig   `mapstructure:"database"`
	App        AppConfig        `mapstructure:"app"`
	Inference  InferenceConfig  `mapstructure:"inference"`
}

// DatabricksConfig identifies the workspace and serving endpoint.
type DatabricksConfig struct {
	Host           string `mapstructure:"host"`
	EndpointName   string `mapstructure:"endpoint_name"`
	ExperimentName string `mapstructure:"experiment_name"`
}

// DatabaseConfig identifies the Lakebase instance. User and Password are
// the static-credential fallback; when empty, short-lived credentials are
// generated through the workspace database API.
type DatabaseConfig struct {
	InstanceName       string `mapstructure:"instance_name"`
	Host               string `mapstructure:"host"`
	Name               string `mapstructure:"name"`
	Port               int    `mapstructure:"port"`
	SSLMode            string `mapstructure:"sslmode"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	ServicePrincipalID string `mapstructure:"service_principal_id"`
}

// AppConfig controls the web application surface.
type AppConfig struct {
	Title               string `mapstructure:"title"`
	Layout              string `mapstructure:"layout"`
	AsyncQueriesEnabled bool   `mapstructure:"async_queries_enabled"`
	Addr                string `mapstructure:"addr"`
}

// InferenceConfig selects and tunes the endpoint client.
type InferenceConfig struct {
	Provider       string `mapstructure:"provider"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Load reads config.yaml from the current directory (when present) and
// merges environment overrides on top of the defaults.
func Load() (Config, error) {
	return LoadFrom(".")
}

// LoadFrom behaves like Load but searches the given directory for
// config.yaml.
func LoadFrom(dir string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Databricks.Host = normalizeHost(cfg.Databricks.Host)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants every command relies on.
func (c Config) Validate() error {
	switch c.Inference.Provider {
	case ProviderServing, ProviderOpenAI:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProvider, c.Inference.Provider)
	}
	if strings.TrimSpace(c.Databricks.EndpointName) == "" {
		return ErrMissingEndpoint
	}
	return nil
}

// PersistenceEnabled reports whether conversation history can be stored.
// Without an instance name (or static credentials) the app runs chat-only.
func (c Config) PersistenceEnabled() bool {
	return c.Database.InstanceName != "" || (c.Database.User != "" && c.Database.Password != "")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("databricks.host", "e2-demo-field-eng.cloud.databricks.com")
	v.SetDefault("databricks.endpoint_name", "mas-1ab024e9-endpoint")
	v.SetDefault("databricks.experiment_name", "")

	v.SetDefault("database.instance_name", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.name", "market_intelligence")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "require")

	v.SetDefault("app.title", "OSC Market Intelligence")
	v.SetDefault("app.layout", "wide")
	v.SetDefault("app.async_queries_enabled", true)
	v.SetDefault("app.addr", ":8080")

	v.SetDefault("inference.provider", ProviderServing)
	v.SetDefault("inference.max_tokens", 10000)
	v.SetDefault("inference.timeout_seconds", 300)
}

func bindEnv(v *viper.Viper) {
	// Credentials come from the environment only, matching the deployment
	// model where the platform injects them as secrets.
	_ = v.BindEnv("database.user", "DB_USER")
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("database.service_principal_id", "DATABRICKS_SERVICE_PRINCIPAL_ID")
	_ = v.BindEnv("databricks.host", "DATABRICKS_HOST")
	_ = v.BindEnv("databricks.endpoint_name", "SERVING_ENDPOINT_NAME")
	_ = v.BindEnv("databricks.experiment_name", "MLFLOW_EXPERIMENT_NAME")
	_ = v.BindEnv("app.addr", "APP_ADDR")
}

// normalizeHost ensures the workspace host carries a scheme.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return host
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		return "https://" + host
	}
	return host
}
