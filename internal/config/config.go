package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "CURRENTS"
	defaultBackendURL     = "http://localhost:8080"
	defaultDatabasePath   = "currents-cache.db"
	defaultLogLevel       = "info"
	defaultPageSize       = 20
	defaultDebounceMillis = 1000
	defaultNetworkTimeout = 10 * time.Second
	defaultReconnectFloor = time.Second
	defaultReconnectCeil  = 30 * time.Second
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	BackendURL       string
	SessionToken     string
	DatabasePath     string
	LogLevel         string
	PageSize         int
	DebounceWindow   time.Duration
	NetworkTimeout   time.Duration
	ReconnectMinWait time.Duration
	ReconnectMaxWait time.Duration
	DevBackend       bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("backend.url", defaultBackendURL)
	configViper.SetDefault("backend.session_token", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("sync.network_timeout_s", int(defaultNetworkTimeout/time.Second))
	configViper.SetDefault("sync.reconnect_min_wait_s", int(defaultReconnectFloor/time.Second))
	configViper.SetDefault("sync.reconnect_max_wait_s", int(defaultReconnectCeil/time.Second))
	configViper.SetDefault("dev.backend", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		BackendURL:       configViper.GetString("backend.url"),
		SessionToken:     configViper.GetString("backend.session_token"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		PageSize:         configViper.GetInt("sync.page_size"),
		DebounceWindow:   time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
		NetworkTimeout:   time.Duration(configViper.GetInt("sync.network_timeout_s")) * time.Second,
		ReconnectMinWait: time.Duration(configViper.GetInt("sync.reconnect_min_wait_s")) * time.Second,
		ReconnectMaxWait: time.Duration(configViper.GetInt("sync.reconnect_max_wait_s")) * time.Second,
		DevBackend:       configViper.GetBool("dev.backend"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.BackendURL) == "" {
		return fmt.Errorf("backend.url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("sync.debounce_ms must be positive")
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("sync.network_timeout_s must be positive")
	}
	if c.ReconnectMinWait <= 0 || c.ReconnectMaxWait < c.ReconnectMinWait {
		return fmt.Errorf("sync reconnect waits must be positive and ordered")
	}
	return nil
}
