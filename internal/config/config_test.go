package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func validConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Session: SessionConfig{
			GraceWindow: 10 * time.Second,
			UserHeader:  "X-Collabd-User",
			RoleHeader:  "X-Collabd-Role",
			DefaultRole: "visitor",
		},
		Broadcast: BroadcastConfig{
			MaxDepth:   16,
			MaxPending: 4096,
			MaxActive:  1024,
		},
		WebSocket: WebSocketConfig{
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			MaxMessageSize: 65536,
			SendBuffer:     256,
		},
		Admin: AdminConfig{
			GRPCHost: "127.0.0.1",
			GRPCPort: 50051,
		},
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestAddrs(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, "127.0.0.1:50051", cfg.Admin.Addr())
}

func TestPingPeriod(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 54*time.Second, cfg.WebSocket.PingPeriod())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	err := os.WriteFile(path, []byte(`
logging:
  level: debug
  format: console
http:
  port: 9000
session:
  grace_window: 30s
  roles_file: /etc/collabd/roles.yaml
  default_role: collaborator
broadcast:
  max_depth: 4
websocket:
  send_buffer: 16
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, "0.0.0.0", cfg.HTTP.Host, "unset keys keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Session.GraceWindow)
	assert.Equal(t, "/etc/collabd/roles.yaml", cfg.Session.RolesFile)
	assert.Equal(t, "collaborator", cfg.Session.DefaultRole)
	assert.Equal(t, "X-Collabd-User", cfg.Session.UserHeader)
	assert.Equal(t, 4, cfg.Broadcast.MaxDepth)
	assert.Equal(t, 4096, cfg.Broadcast.MaxPending)
	assert.Equal(t, 1024, cfg.Broadcast.MaxActive)
	assert.Equal(t, 16, cfg.WebSocket.SendBuffer)
	assert.Equal(t, int64(65536), cfg.WebSocket.MaxMessageSize)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Session.GraceWindow)
	assert.Equal(t, "visitor", cfg.Session.DefaultRole)
	assert.Equal(t, 16, cfg.Broadcast.MaxDepth)
	assert.Equal(t, 60*time.Second, cfg.WebSocket.PongWait)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COLLABD_SESSION_GRACE_WINDOW", "2m")
	t.Setenv("COLLABD_HTTP_PORT", "9999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Session.GraceWindow)
	assert.Equal(t, 9999, cfg.HTTP.Port)
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidValues(t *testing.T) {
	t.Setenv("COLLABD_SESSION_GRACE_WINDOW", "0s")
	_, err := Load("")
	assert.ErrorContains(t, err, "session.grace_window must be positive")
}

func TestValidateLoggingLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := validConfig()
		cfg.Logging.Level = level
		assert.NoError(t, cfg.Validate(), "level %q should be valid", level)
	}
	cfg := validConfig()
	cfg.Logging.Level = "trace"
	assert.Error(t, cfg.Validate())
}

func TestValidateLoggingFormat(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		cfg := validConfig()
		cfg.Logging.Format = format
		assert.NoError(t, cfg.Validate(), "format %q should be valid", format)
	}
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestValidateSession(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SessionConfig)
		want   string
	}{
		{"zero grace", func(s *SessionConfig) { s.GraceWindow = 0 }, "session.grace_window"},
		{"empty user header", func(s *SessionConfig) { s.UserHeader = "" }, "session.user_header"},
		{"empty role header", func(s *SessionConfig) { s.RoleHeader = "" }, "session.role_header"},
		{"same headers", func(s *SessionConfig) { s.RoleHeader = "x-collabd-user" }, "must differ"},
		{"empty default role", func(s *SessionConfig) { s.DefaultRole = "" }, "session.default_role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg.Session)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateBroadcast(t *testing.T) {
	cfg := validConfig()
	cfg.Broadcast.MaxDepth = 0
	assert.NoError(t, cfg.Validate(), "zero depth disables nesting")

	cfg.Broadcast.MaxDepth = -1
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Broadcast.MaxPending = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Broadcast.MaxActive = 0
	assert.ErrorContains(t, cfg.Validate(), "broadcast.max_active")
}

func TestValidateWebSocket(t *testing.T) {
	cfg := validConfig()
	cfg.WebSocket.PongWait = 0
	cfg.WebSocket.SendBuffer = 0
	err := cfg.Validate()
	assert.ErrorContains(t, err, "websocket.pong_wait")
	assert.ErrorContains(t, err, "websocket.send_buffer")
}

func TestValidateAdmin(t *testing.T) {
	cfg := validConfig()
	cfg.Admin.GRPCHost = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Admin.GRPCPort = 65536
	assert.Error(t, cfg.Validate())
}

func TestValidateCollectsAllViolations(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "trace"
	cfg.HTTP.Port = -1
	cfg.Admin.GRPCHost = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "http.port")
	assert.Contains(t, err.Error(), "admin.grpc_host")
}

// Property-based tests

func TestPropertyValidPortRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.IntRange(0, 65535).Draw(t, "port")
		cfg := validConfig()
		cfg.HTTP.Port = port
		cfg.Admin.GRPCPort = port
		if err := cfg.Validate(); err != nil {
			t.Fatalf("valid port %d rejected: %v", port, err)
		}
	})
}

func TestPropertyInvalidPortRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		port := rapid.OneOf(
			rapid.IntRange(-1000, -1),
			rapid.IntRange(65536, 100000),
		).Draw(t, "port")
		cfg := validConfig()
		cfg.HTTP.Port = port
		if err := cfg.Validate(); err == nil {
			t.Fatalf("invalid port %d accepted", port)
		}
	})
}

func TestPropertyPingPeriodShorterThanPongWait(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		wait := time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Hour)).Draw(t, "pong_wait"))
		ws := WebSocketConfig{PongWait: wait}
		if p := ws.PingPeriod(); p <= 0 || p >= wait {
			t.Fatalf("ping period %s not within (0, %s)", p, wait)
		}
	})
}
