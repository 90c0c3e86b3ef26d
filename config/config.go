// Package config loads the escrow service configuration from a TOML file
// with environment overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration for the escrow service.
type Config struct {
	Server    ServerConfig    `toml:"Server"`
	Database  DatabaseConfig  `toml:"Database"`
	Auth      AuthConfig      `toml:"Auth"`
	Provider  ProviderConfig  `toml:"Provider"`
	Recon     ReconConfig     `toml:"Recon"`
	Telemetry TelemetryConfig `toml:"Telemetry"`
	Logging   LoggingConfig   `toml:"Logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddress     string   `toml:"ListenAddress"`
	ReadTimeoutSecs   int      `toml:"ReadTimeoutSeconds"`
	WriteTimeoutSecs  int      `toml:"WriteTimeoutSeconds"`
	AllowedOrigins    []string `toml:"AllowedOrigins"`
	LogRequests       bool     `toml:"LogRequests"`
	RequestsPerMinute float64  `toml:"RequestsPerMinute"`
	Burst             int      `toml:"Burst"`
	// Webhook limits apply to unauthenticated provider deliveries.
	WebhookRequestsPerMinute float64 `toml:"WebhookRequestsPerMinute"`
	WebhookBurst             int     `toml:"WebhookBurst"`
}

// DatabaseConfig selects the ledger's durable store.
type DatabaseConfig struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// AuthConfig controls bearer-token verification.
type AuthConfig struct {
	Secret         string `toml:"Secret"`
	Issuer         string `toml:"Issuer"`
	Audience       string `toml:"Audience"`
	RoleClaim      string `toml:"RoleClaim"`
	MaxSkewSeconds int    `toml:"MaxSkewSeconds"`
}

// ProviderConfig points at the payment provider and the contract service.
type ProviderConfig struct {
	BaseURL          string `toml:"BaseURL"`
	APIKey           string `toml:"APIKey"`
	ContractsBaseURL string `toml:"ContractsBaseURL"`
	TimeoutSeconds   int    `toml:"TimeoutSeconds"`
	WebhookSecret    string `toml:"WebhookSecret"`
}

// ReconConfig tunes the reconciliation sweep.
type ReconConfig struct {
	Enabled            bool `toml:"Enabled"`
	IntervalSeconds    int  `toml:"IntervalSeconds"`
	GracePeriodSeconds int  `toml:"GracePeriodSeconds"`
	BatchLimit         int  `toml:"BatchLimit"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool   `toml:"Enabled"`
	ServiceName string `toml:"ServiceName"`
	Environment string `toml:"Environment"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Headers     string `toml:"Headers"`
	Metrics     bool   `toml:"Metrics"`
	Traces      bool   `toml:"Traces"`
}

// LoggingConfig controls log output and rotation.
type LoggingConfig struct {
	Environment string `toml:"Environment"`
	FilePath    string `toml:"FilePath"`
	MaxSizeMB   int    `toml:"MaxSizeMB"`
	MaxBackups  int    `toml:"MaxBackups"`
	MaxAgeDays  int    `toml:"MaxAgeDays"`
}

// Default returns the configuration used when no file is present. The
// defaults run a local development instance against SQLite.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:     ":8085",
			ReadTimeoutSecs:   15,
			WriteTimeoutSecs:  30,
			RequestsPerMinute:        600,
			Burst:                    60,
			WebhookRequestsPerMinute: 120,
			WebhookBurst:             20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "escrow.db",
		},
		Auth: AuthConfig{
			Issuer:    "skillancer-identity",
			RoleClaim: "role",
		},
		Provider: ProviderConfig{
			TimeoutSeconds: 10,
		},
		Recon: ReconConfig{
			Enabled:            true,
			IntervalSeconds:    60,
			GracePeriodSeconds: 300,
			BatchLimit:         100,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "skillancer-escrow",
			Environment: "dev",
		},
		Logging: LoggingConfig{
			Environment: "dev",
		},
	}
}

// Load reads the configuration from path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and connection strings from the environment so
// they never need to live in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ESCROW_LISTEN_ADDRESS"); v != "" {
		c.Server.ListenAddress = v
	}
	if v := os.Getenv("ESCROW_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("ESCROW_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("ESCROW_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("ESCROW_PROVIDER_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("ESCROW_PROVIDER_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("ESCROW_CONTRACTS_BASE_URL"); v != "" {
		c.Provider.ContractsBaseURL = v
	}
	if v := os.Getenv("ESCROW_WEBHOOK_SECRET"); v != "" {
		c.Provider.WebhookSecret = v
	}
	if v := os.Getenv("ESCROW_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
}

// Validate rejects configurations the service cannot safely run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.ListenAddress) == "" {
		return fmt.Errorf("config: Server.ListenAddress is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: Database.DSN is required")
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("config: Auth.Secret is required; set ESCROW_AUTH_SECRET")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("config: Auth.Issuer is required")
	}
	if strings.TrimSpace(c.Provider.WebhookSecret) == "" {
		return fmt.Errorf("config: Provider.WebhookSecret is required; set ESCROW_WEBHOOK_SECRET")
	}
	if c.Recon.Enabled {
		if c.Recon.IntervalSeconds <= 0 {
			return fmt.Errorf("config: Recon.IntervalSeconds must be positive")
		}
		if c.Recon.GracePeriodSeconds <= 0 {
			return fmt.Errorf("config: Recon.GracePeriodSeconds must be positive")
		}
	}
	return nil
}
