package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
backend:
  api_origin: "https://garden.example.org"
push:
  transport: "websocket"
  ws_origin: "wss://garden.example.org"
auth:
  second_factor_methods: ["sms"]
  default_second_factor: "sms"
routes:
  public: ["/", "/login"]
  protected:
    - prefix: "/admin"
      roles: ["admin"]
database:
  path: "/tmp/garden-test.db"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.APIOrigin != "https://garden.example.org" {
		t.Errorf("Backend.APIOrigin = %q", cfg.Backend.APIOrigin)
	}
	if cfg.Push.WSOrigin != "wss://garden.example.org" {
		t.Errorf("Push.WSOrigin = %q", cfg.Push.WSOrigin)
	}
	if len(cfg.Auth.SecondFactorMethods) != 1 || cfg.Auth.SecondFactorMethods[0] != "sms" {
		t.Errorf("Auth.SecondFactorMethods = %v, want [sms]", cfg.Auth.SecondFactorMethods)
	}
	if len(cfg.Routes.Protected) != 1 || cfg.Routes.Protected[0].Prefix != "/admin" {
		t.Errorf("Routes.Protected = %+v", cfg.Routes.Protected)
	}
	// Defaults survive for keys the file does not mention.
	if cfg.Notifications.PullLimit != 20 {
		t.Errorf("Notifications.PullLimit = %d, want default 20", cfg.Notifications.PullLimit)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
backend:
  api_origin: "not a url"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "backend.api_origin") {
		t.Errorf("error = %v, want mention of backend.api_origin", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GARDEN_API_ORIGIN", "https://override.example.org")
	t.Setenv("GARDEN_WS_ORIGIN", "wss://override.example.org")
	t.Setenv("GARDEN_SECOND_FACTOR_METHODS", "email, sms")
	t.Setenv("GARDEN_DATABASE_PATH", "/tmp/override.db")

	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend.APIOrigin != "https://override.example.org" {
		t.Errorf("Backend.APIOrigin = %q", cfg.Backend.APIOrigin)
	}
	if cfg.Push.WSOrigin != "wss://override.example.org" {
		t.Errorf("Push.WSOrigin = %q", cfg.Push.WSOrigin)
	}
	if got := strings.Join(cfg.Auth.SecondFactorMethods, ","); got != "email,sms" {
		t.Errorf("SecondFactorMethods = %q, want email,sms", got)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("defaultConfig().Validate() = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(_ *Config) {},
		},
		{
			name:    "relative api origin",
			mutate:  func(c *Config) { c.Backend.APIOrigin = "/api" },
			wantErr: "backend.api_origin",
		},
		{
			name:    "http ws origin",
			mutate:  func(c *Config) { c.Push.WSOrigin = "http://garden.example.org" },
			wantErr: "push.ws_origin",
		},
		{
			name: "ws origin ignored without websocket transport",
			mutate: func(c *Config) {
				c.Push.Transport = PushTransportNone
				c.Push.WSOrigin = ""
			},
		},
		{
			name:    "unknown transport",
			mutate:  func(c *Config) { c.Push.Transport = "carrier-pigeon" },
			wantErr: "push.transport",
		},
		{
			name: "mqtt without host",
			mutate: func(c *Config) {
				c.Push.Transport = PushTransportMQTT
				c.MQTT.Broker.Host = ""
			},
			wantErr: "mqtt.broker.host",
		},
		{
			name:    "unsupported factor method",
			mutate:  func(c *Config) { c.Auth.SecondFactorMethods = []string{"email", "carrier"} },
			wantErr: "unsupported method",
		},
		{
			name: "default factor outside list",
			mutate: func(c *Config) {
				c.Auth.SecondFactorMethods = []string{"sms"}
				c.Auth.DefaultSecondFactor = "email"
			},
			wantErr: "default_second_factor",
		},
		{
			name:    "degraded interval longer than steady",
			mutate:  func(c *Config) { c.Notifications.DegradedPullInterval = 120 },
			wantErr: "degraded_pull_interval",
		},
		{
			name: "route prefix without slash",
			mutate: func(c *Config) {
				c.Routes.Protected = append(c.Routes.Protected, RouteRule{Prefix: "admin"})
			},
			wantErr: "routes.protected",
		},
		{
			name:    "invalid agent port",
			mutate:  func(c *Config) { c.Agent.Port = 70000 },
			wantErr: "agent.port",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error mentioning %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.GetLoginTimeout(); got != 15*time.Second {
		t.Errorf("GetLoginTimeout() = %v, want 15s", got)
	}
	if got := cfg.GetDegradedPullInterval(); got != 15*time.Second {
		t.Errorf("GetDegradedPullInterval() = %v, want 15s", got)
	}
	initial, maxDelay := cfg.GetReconnectBounds()
	if initial != time.Second || maxDelay != time.Minute {
		t.Errorf("GetReconnectBounds() = %v, %v, want 1s, 1m", initial, maxDelay)
	}
}
