package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Garden Core agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	Push          PushConfig          `yaml:"push"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Auth          AuthConfig          `yaml:"auth"`
	Routes        RoutesConfig        `yaml:"routes"`
	Agent         AgentConfig         `yaml:"agent"`
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// BackendConfig points the agent at the garden backend HTTP API.
type BackendConfig struct {
	// APIOrigin is the base origin, e.g. "https://garden.example.org".
	APIOrigin string `yaml:"api_origin"`

	// RequestTimeout bounds notification and logout calls (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// LoginTimeout bounds credential submission and second-factor
	// completion (seconds).
	LoginTimeout int `yaml:"login_timeout"`
}

// Push transport names.
const (
	PushTransportWebSocket = "websocket"
	PushTransportMQTT      = "mqtt"
	PushTransportNone      = "none"
)

// PushConfig configures the real-time notification path.
type PushConfig struct {
	// Transport is one of "websocket", "mqtt" or "none".
	Transport string `yaml:"transport"`

	// WSOrigin is the WebSocket origin, e.g. "wss://garden.example.org".
	WSOrigin string `yaml:"ws_origin"`
	WSPath   string `yaml:"ws_path"`

	Reconnect      ReconnectConfig `yaml:"reconnect"`
	PingInterval   int             `yaml:"ping_interval"`
	PongTimeout    int             `yaml:"pong_timeout"`
	MaxMessageSize int             `yaml:"max_message_size"`
}

// ReconnectConfig contains backoff settings (seconds).
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// NotificationsConfig configures the pull path of the notification channel.
type NotificationsConfig struct {
	PullLimit int `yaml:"pull_limit"`

	// PullInterval is the steady-state poll period while push is connected (seconds).
	PullInterval int `yaml:"pull_interval"`

	// DegradedPullInterval replaces PullInterval while push is down (seconds).
	DegradedPullInterval int `yaml:"degraded_pull_interval"`

	AckTimeout int `yaml:"ack_timeout"`

	// RefreshPerMinute caps on-demand refreshes requested by the UI.
	RefreshPerMinute int `yaml:"refresh_per_minute"`
}

// AuthConfig contains second-factor settings.
type AuthConfig struct {
	SecondFactorMethods []string `yaml:"second_factor_methods"`
	DefaultSecondFactor string   `yaml:"default_second_factor"`
}

// RoutesConfig is the static route table consumed by the route guard.
type RoutesConfig struct {
	// Public paths never require a session. An entry ending in "/*"
	// matches every path below it.
	Public []string `yaml:"public"`

	// Protected maps path prefixes to the roles allowed to enter them.
	Protected []RouteRule `yaml:"protected"`
}

// RouteRule is one row of the protected route table.
type RouteRule struct {
	Prefix string   `yaml:"prefix"`
	Roles  []string `yaml:"roles"`
}

// AgentConfig contains the local agent HTTP API settings.
type AgentConfig struct {
	Host      string             `yaml:"host"`
	Port      int                `yaml:"port"`
	Timeouts  AgentTimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig         `yaml:"cors"`
	WebSocket WebSocketConfig    `yaml:"websocket"`
}

// AgentTimeoutConfig contains HTTP timeout settings (seconds).
type AgentTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for UI clients of the local agent.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// DatabaseConfig contains SQLite settings for the local audit trail.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker settings, used when push.transport is "mqtt".
type MQTTConfig struct {
	Broker      MQTTBrokerConfig `yaml:"broker"`
	Auth        MQTTAuthConfig   `yaml:"auth"`
	QoS         int              `yaml:"qos"`
	TopicPrefix string           `yaml:"topic_prefix"`
	Reconnect   ReconnectConfig  `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GARDEN_SECTION_KEY
// For example: GARDEN_API_ORIGIN, GARDEN_DATABASE_PATH
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			APIOrigin:      "http://localhost:3000",
			RequestTimeout: 10,
			LoginTimeout:   15,
		},
		Push: PushConfig{
			Transport: PushTransportWebSocket,
			WSOrigin:  "ws://localhost:3000",
			WSPath:    "/ws",
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			PingInterval:   30,
			PongTimeout:    10,
			MaxMessageSize: 64 * 1024,
		},
		Notifications: NotificationsConfig{
			PullLimit:            20,
			PullInterval:         60,
			DegradedPullInterval: 15,
			AckTimeout:           5,
			RefreshPerMinute:     12,
		},
		Auth: AuthConfig{
			SecondFactorMethods: []string{"email", "sms"},
			DefaultSecondFactor: "email",
		},
		Routes: RoutesConfig{
			Public: []string{"/", "/login", "/signup", "/about", "/contact", "/verify"},
			Protected: []RouteRule{
				{Prefix: "/dashboard"},
				{Prefix: "/notifications"},
				{Prefix: "/profile"},
				{Prefix: "/plots", Roles: []string{"gardener", "manager", "admin"}},
				{Prefix: "/tasks", Roles: []string{"gardener", "volunteer", "manager", "admin"}},
				{Prefix: "/volunteer", Roles: []string{"volunteer", "manager", "admin"}},
				{Prefix: "/manager", Roles: []string{"manager", "admin"}},
				{Prefix: "/admin", Roles: []string{"admin"}},
			},
		},
		Agent: AgentConfig{
			Host: "127.0.0.1",
			Port: 8420,
			Timeouts: AgentTimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				Path:           "/ws",
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/gardencore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "gardencore-agent",
			},
			QoS:         1,
			TopicPrefix: "garden",
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GARDEN_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Backend
	if v := os.Getenv("GARDEN_API_ORIGIN"); v != "" {
		cfg.Backend.APIOrigin = v
	}

	// Push
	if v := os.Getenv("GARDEN_WS_ORIGIN"); v != "" {
		cfg.Push.WSOrigin = v
	}
	if v := os.Getenv("GARDEN_PUSH_TRANSPORT"); v != "" {
		cfg.Push.Transport = v
	}

	// Second factor
	if v := os.Getenv("GARDEN_SECOND_FACTOR_METHODS"); v != "" {
		var methods []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				methods = append(methods, m)
			}
		}
		cfg.Auth.SecondFactorMethods = methods
	}

	// Database
	if v := os.Getenv("GARDEN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GARDEN_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GARDEN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GARDEN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GARDEN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Agent
	if v := os.Getenv("GARDEN_AGENT_HOST"); v != "" {
		cfg.Agent.Host = v
	}
}

// validFactorMethods are the second-factor delivery channels the backend supports.
var validFactorMethods = map[string]bool{"email": true, "sms": true}

// Validate checks the configuration for errors.
//
// Role names inside the route table are checked when the route table is
// built, since only the auth package knows the closed role set.
func (c *Config) Validate() error { //nolint:gocognit,gocyclo // flat list of independent checks
	var errs []string

	// Backend
	if u, err := url.Parse(c.Backend.APIOrigin); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "backend.api_origin must be an absolute http(s) URL")
	}
	if c.Backend.RequestTimeout <= 0 {
		errs = append(errs, "backend.request_timeout must be positive")
	}
	if c.Backend.LoginTimeout <= 0 {
		errs = append(errs, "backend.login_timeout must be positive")
	}

	// Push
	switch c.Push.Transport {
	case PushTransportWebSocket:
		if u, err := url.Parse(c.Push.WSOrigin); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, "push.ws_origin must be an absolute ws(s) URL")
		}
	case PushTransportMQTT:
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when push.transport is mqtt")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	case PushTransportNone:
	default:
		errs = append(errs, "push.transport must be websocket, mqtt or none")
	}
	if c.Push.Reconnect.InitialDelay <= 0 || c.Push.Reconnect.MaxDelay < c.Push.Reconnect.InitialDelay {
		errs = append(errs, "push.reconnect delays must be positive with max_delay >= initial_delay")
	}

	// Notifications
	if c.Notifications.PullLimit <= 0 {
		errs = append(errs, "notifications.pull_limit must be positive")
	}
	if c.Notifications.PullInterval <= 0 || c.Notifications.DegradedPullInterval <= 0 {
		errs = append(errs, "notifications pull intervals must be positive")
	} else if c.Notifications.DegradedPullInterval > c.Notifications.PullInterval {
		errs = append(errs, "notifications.degraded_pull_interval must not exceed pull_interval")
	}

	// Second factor
	if len(c.Auth.SecondFactorMethods) == 0 {
		errs = append(errs, "auth.second_factor_methods must not be empty")
	}
	for _, m := range c.Auth.SecondFactorMethods {
		if !validFactorMethods[m] {
			errs = append(errs, fmt.Sprintf("auth.second_factor_methods: unsupported method %q", m))
		}
	}
	if c.Auth.DefaultSecondFactor != "" && !contains(c.Auth.SecondFactorMethods, c.Auth.DefaultSecondFactor) {
		errs = append(errs, "auth.default_second_factor must be one of second_factor_methods")
	}

	// Routes
	for _, p := range c.Routes.Public {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Sprintf("routes.public: %q must start with /", p))
		}
	}
	for _, r := range c.Routes.Protected {
		if !strings.HasPrefix(r.Prefix, "/") {
			errs = append(errs, fmt.Sprintf("routes.protected: %q must start with /", r.Prefix))
		}
	}

	// Agent
	// Port 0 binds a free port.
	if c.Agent.Port < 0 || c.Agent.Port > 65535 {
		errs = append(errs, "agent.port must be between 0 and 65535")
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// seconds converts a seconds-valued config field to a Duration.
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetReadTimeout returns the agent read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return seconds(c.Agent.Timeouts.Read)
}

// GetWriteTimeout returns the agent write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return seconds(c.Agent.Timeouts.Write)
}

// GetIdleTimeout returns the agent idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return seconds(c.Agent.Timeouts.Idle)
}

// GetRequestTimeout returns the backend request timeout as a Duration.
func (c *Config) GetRequestTimeout() time.Duration {
	return seconds(c.Backend.RequestTimeout)
}

// GetLoginTimeout returns the login/second-factor timeout as a Duration.
func (c *Config) GetLoginTimeout() time.Duration {
	return seconds(c.Backend.LoginTimeout)
}

// GetPullInterval returns the steady-state notification poll period.
func (c *Config) GetPullInterval() time.Duration {
	return seconds(c.Notifications.PullInterval)
}

// GetDegradedPullInterval returns the poll period used while push is down.
func (c *Config) GetDegradedPullInterval() time.Duration {
	return seconds(c.Notifications.DegradedPullInterval)
}

// GetAckTimeout returns the read-acknowledgement timeout.
func (c *Config) GetAckTimeout() time.Duration {
	return seconds(c.Notifications.AckTimeout)
}

// GetReconnectBounds returns the push reconnect backoff bounds.
func (c *Config) GetReconnectBounds() (initial, maxDelay time.Duration) {
	return seconds(c.Push.Reconnect.InitialDelay), seconds(c.Push.Reconnect.MaxDelay)
}
