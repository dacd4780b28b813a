package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port int
	Host string

	// BackendURL is the base URL of the document backend. Empty disables
	// hydration, forwarding, snapshots and role lookup.
	BackendURL    string
	BackendSecret string

	// InternalSecret guards the administrative API
	InternalSecret string

	JWTSecret string

	ForwardDebounce time.Duration
	RoomTTL         time.Duration
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string

	DocstorePort   int
	DocstoreDBPath string

	// DocstoreDefaultRole is granted to users without a stored permission
	DocstoreDefaultRole      string
	DocstoreCompactInterval  time.Duration
	DocstoreCompactThreshold int
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) DocstoreAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.DocstorePort))
}

// New returns a viper instance with every default registered and the
// environment bound. Flags may be bound on top before calling Load.
func New() *viper.Viper {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file", "err", err)
	}

	v := viper.New()
	v.SetDefault("PORT", 8787)
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("BACKEND_API_URL", "")
	v.SetDefault("BACKEND_API_SECRET", "collab-internal-secret")
	v.SetDefault("INTERNAL_SECRET", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("FORWARD_DEBOUNCE_MS", 0)
	v.SetDefault("ROOM_TTL_MS", 10*60*1000)
	v.SetDefault("SHUTDOWN_TIMEOUT_MS", 10*1000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("DOCSTORE_PORT", 8080)
	v.SetDefault("DOCSTORE_DB_PATH", "./data/docstore.db")
	v.SetDefault("DOCSTORE_DEFAULT_ROLE", "none")
	v.SetDefault("DOCSTORE_COMPACT_INTERVAL_MS", 5*60*1000)
	v.SetDefault("DOCSTORE_COMPACT_THRESHOLD", 100)
	v.AutomaticEnv()
	return v
}

// Load reads the configuration from v
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:            v.GetInt("PORT"),
		Host:            v.GetString("HOST"),
		BackendURL:      strings.TrimRight(v.GetString("BACKEND_API_URL"), "/"),
		BackendSecret:   v.GetString("BACKEND_API_SECRET"),
		InternalSecret:  v.GetString("INTERNAL_SECRET"),
		JWTSecret:       v.GetString("JWT_SECRET"),
		ForwardDebounce: millis(v, "FORWARD_DEBOUNCE_MS"),
		RoomTTL:         millis(v, "ROOM_TTL_MS"),
		ShutdownTimeout: millis(v, "SHUTDOWN_TIMEOUT_MS"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogFormat:       v.GetString("LOG_FORMAT"),
		DocstorePort:    v.GetInt("DOCSTORE_PORT"),
		DocstoreDBPath:  v.GetString("DOCSTORE_DB_PATH"),

		DocstoreDefaultRole:      v.GetString("DOCSTORE_DEFAULT_ROLE"),
		DocstoreCompactInterval:  millis(v, "DOCSTORE_COMPACT_INTERVAL_MS"),
		DocstoreCompactThreshold: v.GetInt("DOCSTORE_COMPACT_THRESHOLD"),
	}
	if cfg.InternalSecret == "" {
		cfg.InternalSecret = cfg.BackendSecret
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", cfg.Port)
	}
	if cfg.ForwardDebounce < 0 {
		return nil, fmt.Errorf("FORWARD_DEBOUNCE_MS must not be negative")
	}
	if cfg.RoomTTL <= 0 {
		return nil, fmt.Errorf("ROOM_TTL_MS must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT_MS must be positive")
	}
	if cfg.DocstoreCompactInterval <= 0 || cfg.DocstoreCompactThreshold <= 0 {
		return nil, fmt.Errorf("DOCSTORE_COMPACT_INTERVAL_MS and DOCSTORE_COMPACT_THRESHOLD must be positive")
	}
	return cfg, nil
}

// Validate checks what the collaboration server needs to start
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.InternalSecret == "" {
		return fmt.Errorf("BACKEND_API_SECRET or INTERNAL_SECRET is required")
	}
	return nil
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
