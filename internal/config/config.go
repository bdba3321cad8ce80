// Package config provides Viper-based configuration loading for the
// collaboration server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// HTTPConfig holds the client-facing HTTP listener settings.
type HTTPConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// ShutdownTimeout bounds how long Stop waits for open requests.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// SessionConfig holds user session settings.
type SessionConfig struct {
	// GraceWindow is how long a user with no open connections stays registered.
	GraceWindow time.Duration `mapstructure:"grace_window"`
	// RolesFile is an optional YAML file mapping role names to permissions.
	// Empty selects the built-in roles.
	RolesFile string `mapstructure:"roles_file"`
	// UserHeader is the trusted request header carrying the user identity.
	UserHeader string `mapstructure:"user_header"`
	// RoleHeader is the trusted request header carrying the user's role.
	RoleHeader string `mapstructure:"role_header"`
	// DefaultRole applies when RoleHeader is absent.
	DefaultRole string `mapstructure:"default_role"`
}

// BroadcastConfig bounds nested and concurrent broadcasts.
type BroadcastConfig struct {
	MaxDepth   int `mapstructure:"max_depth"`
	MaxPending int `mapstructure:"max_pending"`
	MaxActive  int `mapstructure:"max_active"`
}

// WebSocketConfig holds per-connection transport settings.
type WebSocketConfig struct {
	// WriteWait is the deadline for a single frame write.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is how long the peer may stay silent before the connection is dropped.
	// Pings are sent every 9/10 of PongWait.
	PongWait       time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	// SendBuffer is the number of outbound messages queued per connection.
	SendBuffer int `mapstructure:"send_buffer"`
}

// PingPeriod returns the interval between keepalive pings.
func (w WebSocketConfig) PingPeriod() time.Duration {
	return w.PongWait * 9 / 10
}

// AdminConfig holds the gRPC health endpoint settings.
type AdminConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// Config is the top-level application configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Session   SessionConfig   `mapstructure:"session"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateLogging(c.Logging),
		validateHTTP(c.HTTP),
		validateSession(c.Session),
		validateBroadcast(c.Broadcast),
		validateWebSocket(c.WebSocket),
		validateAdmin(c.Admin),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if !validPort(h.Port) {
		errs = append(errs, fmt.Sprintf("http.port must be 0-65535, got %d", h.Port))
	}
	if h.ReadHeaderTimeout < 0 {
		errs = append(errs, "http.read_header_timeout must not be negative")
	}
	if h.ShutdownTimeout < 0 {
		errs = append(errs, "http.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.GraceWindow <= 0 {
		errs = append(errs, fmt.Sprintf("session.grace_window must be positive, got %s", s.GraceWindow))
	}
	if s.UserHeader == "" {
		errs = append(errs, "session.user_header must not be empty")
	}
	if s.RoleHeader == "" {
		errs = append(errs, "session.role_header must not be empty")
	}
	if s.UserHeader != "" && strings.EqualFold(s.UserHeader, s.RoleHeader) {
		errs = append(errs, "session.user_header and session.role_header must differ")
	}
	if s.DefaultRole == "" {
		errs = append(errs, "session.default_role must not be empty")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateBroadcast(b BroadcastConfig) error {
	var errs []string
	if b.MaxDepth < 0 {
		errs = append(errs, fmt.Sprintf("broadcast.max_depth must be >= 0, got %d", b.MaxDepth))
	}
	if b.MaxPending < 1 {
		errs = append(errs, fmt.Sprintf("broadcast.max_pending must be >= 1, got %d", b.MaxPending))
	}
	if b.MaxActive < 1 {
		errs = append(errs, fmt.Sprintf("broadcast.max_active must be >= 1, got %d", b.MaxActive))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_size must be >= 1, got %d", w.MaxMessageSize))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if !validPort(a.GRPCPort) {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 0-65535, got %d", a.GRPCPort))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path uses defaults and the
// environment only.
//
// Precondition: path must be empty or name a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and COLLABD_ environment
// overrides applied.
func NewViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with COLLABD_ prefix
	v.SetEnvPrefix("COLLABD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_header_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("session.grace_window", "10s")
	v.SetDefault("session.roles_file", "")
	v.SetDefault("session.user_header", "X-Collabd-User")
	v.SetDefault("session.role_header", "X-Collabd-Role")
	v.SetDefault("session.default_role", "visitor")

	v.SetDefault("broadcast.max_depth", 16)
	v.SetDefault("broadcast.max_pending", 4096)
	v.SetDefault("broadcast.max_active", 1024)

	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)

	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 50051)
}
