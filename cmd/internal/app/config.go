package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"linkgate/cmd/internal/api"
	"linkgate/cmd/internal/sessions"
)

// EnvPrefix is prepended to every configuration variable (LINKGATE_HTTP_ADDR, ...).
const EnvPrefix = "LINKGATE"

// Store backends selectable with LINKGATE_STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendFS       = "fs"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	// Zero keeps event streams open; websocket writes carry their own deadlines.
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"0s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"fs"`
	StoreDir     string `envconfig:"STORE_DIR" default:"data/auth"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"data/linkgate.db"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBSchema    string `envconfig:"DB_SCHEMA" default:"linkgate"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"0"`
	DBMigrate   bool   `envconfig:"DB_MIGRATE" default:"true"`

	// AuthStateKey seals credentials and keys at rest when set.
	AuthStateKey   string `envconfig:"AUTHSTATE_KEY"`
	RequireSealing bool   `envconfig:"REQUIRE_SEALING" default:"false"`

	BridgeURL         string        `envconfig:"BRIDGE_URL"`
	BridgeToken       string        `envconfig:"BRIDGE_TOKEN"`
	BridgeDialTimeout time.Duration `envconfig:"BRIDGE_DIAL_TIMEOUT" default:"10s"`

	ReconnectInitial     time.Duration `envconfig:"RECONNECT_INITIAL" default:"1s"`
	ReconnectMax         time.Duration `envconfig:"RECONNECT_MAX" default:"30s"`
	ReconnectMultiplier  float64       `envconfig:"RECONNECT_MULTIPLIER" default:"2"`
	ReconnectMaxAttempts int           `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"0"`

	ReviveTimeout   time.Duration `envconfig:"REVIVE_TIMEOUT" default:"30s"`
	LogoutTimeout   time.Duration `envconfig:"LOGOUT_TIMEOUT" default:"10s"`
	AddressDomain   string        `envconfig:"ADDRESS_DOMAIN" default:"s.whatsapp.net"`
	EventQueue      int           `envconfig:"EVENT_QUEUE" default:"32"`
	BootParallelism int           `envconfig:"BOOT_PARALLELISM" default:"8"`

	MaxBodyBytes     int64    `envconfig:"MAX_BODY_BYTES" default:"1048576"`
	MaxMessageChars  int      `envconfig:"MAX_MESSAGE_CHARS" default:"4096"`
	WSOriginRequired bool     `envconfig:"WS_ORIGIN_REQUIRED" default:"false"`
	WSAllowedOrigins []string `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSDevInsecure    bool     `envconfig:"WS_DEV_INSECURE" default:"false"`
}

// LoadConfig loads Config from LINKGATE_* environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendFS:
		if strings.TrimSpace(c.StoreDir) == "" {
			return errors.New("config: LINKGATE_STORE_DIR is required for the fs backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("config: LINKGATE_SQLITE_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: LINKGATE_DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return errors.New("config: LINKGATE_DB_MIN_CONNS exceeds LINKGATE_DB_MAX_CONNS")
	}
	return ValidateSecurityConfig(c)
}

// ValidateServe additionally checks what the server needs.
func (c Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.BridgeURL) == "" {
		return errors.New("config: LINKGATE_BRIDGE_URL is required to serve")
	}
	if c.ReconnectMultiplier < 1 {
		return errors.New("config: LINKGATE_RECONNECT_MULTIPLIER must be >= 1")
	}
	return nil
}

func (c Config) sessionsConfig() sessions.Config {
	return sessions.Config{
		Backoff: sessions.Backoff{
			Initial:     c.ReconnectInitial,
			Max:         c.ReconnectMax,
			Multiplier:  c.ReconnectMultiplier,
			MaxAttempts: c.ReconnectMaxAttempts,
		},
		ReviveTimeout: c.ReviveTimeout,
		LogoutTimeout: c.LogoutTimeout,
		AddressDomain: c.AddressDomain,
		EventQueue:    c.EventQueue,
	}
}

func (c Config) apiConfig() api.Config {
	d := api.DefaultConfig()
	d.MaxBodyBytes = c.MaxBodyBytes
	d.MaxMessageChars = c.MaxMessageChars
	d.OriginRequired = c.WSOriginRequired
	d.AllowedOrigins = c.WSAllowedOrigins
	d.DevInsecure = c.WSDevInsecure
	return d
}
