// Package config loads runtime configuration from flags, environment, and
// an optional config file via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "LEAVE"

	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "leave.db"
	defaultLogLevel       = "info"
	defaultExpiryInterval = 24 * time.Hour
	defaultSyncInterval   = 5 * time.Minute

	defaultAnnualHours     = 160.0
	defaultCompTimeMonths  = 3
	defaultRunnersDisabled = false
)

// AppConfig captures runtime configuration for the engine server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	// Background job cadence.
	ExpiryInterval time.Duration
	SyncInterval   time.Duration
	RunnersEnabled bool

	// Policy knobs.
	AnnualHours            float64
	CompTimeValidityMonths int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on the provided viper
// instance.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("database.path", defaultDatabasePath)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("jobs.expiry_interval", defaultExpiryInterval)
	v.SetDefault("jobs.sync_interval", defaultSyncInterval)
	v.SetDefault("jobs.runners_enabled", !defaultRunnersDisabled)
	v.SetDefault("policy.annual_hours", defaultAnnualHours)
	v.SetDefault("policy.comp_time_validity_months", defaultCompTimeMonths)
}

// Load parses runtime configuration from viper.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            v.GetString("http.address"),
		DatabasePath:           v.GetString("database.path"),
		LogLevel:               v.GetString("log.level"),
		ExpiryInterval:         v.GetDuration("jobs.expiry_interval"),
		SyncInterval:           v.GetDuration("jobs.sync_interval"),
		RunnersEnabled:         v.GetBool("jobs.runners_enabled"),
		AnnualHours:            v.GetFloat64("policy.annual_hours"),
		CompTimeValidityMonths: v.GetInt("policy.comp_time_validity_months"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ExpiryInterval <= 0 {
		return fmt.Errorf("jobs.expiry_interval must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("jobs.sync_interval must be positive")
	}
	if c.AnnualHours <= 0 {
		return fmt.Errorf("policy.annual_hours must be positive")
	}
	if c.CompTimeValidityMonths < 0 {
		return fmt.Errorf("policy.comp_time_validity_months must not be negative")
	}
	return nil
}
