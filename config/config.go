// Package config loads the mcpwire TOML file: named servers the gateway can
// launch or dial, plus gateway, logging and telemetry settings.
//
// Example:
//
//	[gateway]
//	listen = "127.0.0.1:3000"
//	server = "files"
//	dns_rebinding_protection = true
//	allowed_hosts = ["127.0.0.1:3000", "localhost:3000"]
//
//	[log]
//	level = "debug"
//
//	[servers.files]
//	command = "mcp-server-files"
//	args = ["--root", "/srv"]
//	env = { FILES_READONLY = "1" }
//
//	[servers.remote]
//	url = "https://mcp.example.com/sse"
//	token = "${REMOTE_TOKEN}"
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/mcpwire/auth"
	"github.com/vinayprograms/mcpwire/logging"
	"github.com/vinayprograms/mcpwire/telemetry"
	"github.com/vinayprograms/mcpwire/transport"
)

// ErrInsecurePermissions is returned when a config file holding secrets is
// readable by other users.
var ErrInsecurePermissions = fmt.Errorf("config file has insecure permissions")

// Transport names accepted in a server section.
const (
	TransportStdio     = "stdio"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Config is the whole file.
type Config struct {
	Gateway   GatewayConfig            `toml:"gateway"`
	Log       logging.Config           `toml:"log"`
	Telemetry telemetry.ProviderConfig `toml:"telemetry"`
	Tap       TapConfig                `toml:"tap"`
	Servers   map[string]ServerConfig  `toml:"servers"`

	// Path is the file the config was loaded from, if any.
	Path string `toml:"-"`
}

// GatewayConfig configures `mcpwire serve`.
type GatewayConfig struct {
	Listen        string `toml:"listen"`
	SSEPath       string `toml:"sse_path"`
	MessagesPath  string `toml:"messages_path"`
	WebSocketPath string `toml:"websocket_path"`
	MetricsPath   string `toml:"metrics_path"`

	// Server names the entry in [servers] every session is bridged to.
	Server string `toml:"server"`

	DNSRebindingProtection bool     `toml:"dns_rebinding_protection"`
	AllowedHosts           []string `toml:"allowed_hosts"`
	AllowedOrigins         []string `toml:"allowed_origins"`

	MaxBodyBytes int64 `toml:"max_body_bytes"`

	// SessionsPerMinute limits new sessions per client IP. Zero disables it.
	SessionsPerMinute int `toml:"sessions_per_minute"`

	// StartAttempts bounds upstream starts per session when the failure
	// is retryable. Zero means the bridge default.
	StartAttempts int `toml:"start_attempts"`

	HeartbeatInterval string `toml:"heartbeat_interval"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
	RetryBackoff      string `toml:"retry_backoff"`

	// Parsed from the strings above by Validate.
	Heartbeat time.Duration `toml:"-"`
	Shutdown  time.Duration `toml:"-"`
	Backoff   time.Duration `toml:"-"`
}

// TapConfig selects where relayed traffic is recorded.
type TapConfig struct {
	// Protocol is "http", "file" or "noop" (default).
	Protocol string `toml:"protocol"`
	Endpoint string `toml:"endpoint"`
}

// ServerConfig describes one MCP server. A server is either a local command
// (stdio) or a remote URL (sse or websocket).
type ServerConfig struct {
	// Transport is inferred when empty: a command means stdio, a ws:// or
	// wss:// URL means websocket, any other URL means sse.
	Transport string `toml:"transport"`

	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Dir     string            `toml:"dir"`
	Stderr  string            `toml:"stderr"`

	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`

	// Token is sent as a bearer token. ${VAR} references are expanded.
	Token string `toml:"token"`

	// OAuth enables the device authorization flow for remote servers.
	OAuth *auth.DeviceAuthConfig `toml:"oauth"`

	ProtocolVersion string `toml:"protocol_version"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Listen:            "127.0.0.1:3000",
			SSEPath:           "/sse",
			MessagesPath:      "/messages",
			MetricsPath:       "/metrics",
			MaxBodyBytes:      transport.DefaultMaxBodyBytes,
			HeartbeatInterval: "30s",
			ShutdownTimeout:   "10s",
			Heartbeat:         30 * time.Second,
			Shutdown:          10 * time.Second,
		},
		Log:     logging.Config{Level: logging.LevelInfo, Format: "console"},
		Tap:     TapConfig{Protocol: "noop"},
		Servers: make(map[string]ServerConfig),
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"mcpwire.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpwire", "config.toml"))
	}
	return paths
}

// Find returns the first standard path that exists, or "".
func Find() string {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadFile reads and validates the config at path. Files that carry tokens
// must not be group or world readable.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(string(content))
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	if cfg.hasSecrets() {
		if err := checkPermissions(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse decodes TOML content over Default and validates the result.
// Unknown keys are rejected.
func Parse(content string) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("failed to parse config: unknown keys %s", strings.Join(keys, ", "))
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	g := &c.Gateway
	g.Listen = strings.TrimSpace(g.Listen)
	if g.Listen == "" {
		return fmt.Errorf("gateway.listen is required")
	}
	for _, p := range []*string{&g.SSEPath, &g.MessagesPath, &g.WebSocketPath, &g.MetricsPath} {
		*p = strings.TrimSpace(*p)
		if *p != "" && !strings.HasPrefix(*p, "/") {
			return fmt.Errorf("gateway path %q must start with /", *p)
		}
	}
	if g.SSEPath == "" || g.MessagesPath == "" {
		return fmt.Errorf("gateway.sse_path and gateway.messages_path are required")
	}
	if g.SSEPath == g.MessagesPath {
		return fmt.Errorf("gateway.sse_path and gateway.messages_path must differ")
	}
	if g.MaxBodyBytes < 0 {
		return fmt.Errorf("gateway.max_body_bytes must not be negative")
	}
	if g.SessionsPerMinute < 0 {
		return fmt.Errorf("gateway.sessions_per_minute must not be negative")
	}
	if g.StartAttempts < 0 {
		return fmt.Errorf("gateway.start_attempts must not be negative")
	}

	var err error
	if g.Heartbeat, err = parseDuration("gateway.heartbeat_interval", g.HeartbeatInterval); err != nil {
		return err
	}
	if g.Shutdown, err = parseDuration("gateway.shutdown_timeout", g.ShutdownTimeout); err != nil {
		return err
	}
	if g.Backoff, err = parseDuration("gateway.retry_backoff", g.RetryBackoff); err != nil {
		return err
	}

	c.Log.Level = logging.ParseLevel(string(c.Log.Level))

	switch c.Tap.Protocol {
	case "", "noop", "http", "file":
	default:
		return fmt.Errorf("tap.protocol %q must be http, file or noop", c.Tap.Protocol)
	}
	if (c.Tap.Protocol == "http" || c.Tap.Protocol == "file") && c.Tap.Endpoint == "" {
		return fmt.Errorf("tap.endpoint is required for protocol %q", c.Tap.Protocol)
	}

	for _, name := range c.ServerNames() {
		s := c.Servers[name]
		if err := s.Normalize(); err != nil {
			return fmt.Errorf("servers.%s: %w", name, err)
		}
		c.Servers[name] = s
	}
	if g.Server != "" {
		if _, ok := c.Servers[g.Server]; !ok {
			return fmt.Errorf("gateway.server %q is not defined in [servers]", g.Server)
		}
	}
	return nil
}

// ServerNames returns the configured server names in sorted order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Server returns the named server.
func (c *Config) Server(name string) (ServerConfig, error) {
	s, ok := c.Servers[name]
	if !ok {
		return ServerConfig{}, fmt.Errorf("unknown server %q", name)
	}
	return s, nil
}

// Normalize infers Transport and checks that the section is usable.
func (s *ServerConfig) Normalize() error {
	s.Command = strings.TrimSpace(s.Command)
	s.URL = strings.TrimSpace(s.URL)

	if s.Command != "" && s.URL != "" {
		return fmt.Errorf("command and url are mutually exclusive")
	}
	if s.Transport == "" {
		switch {
		case s.Command != "":
			s.Transport = TransportStdio
		case strings.HasPrefix(s.URL, "ws://"), strings.HasPrefix(s.URL, "wss://"):
			s.Transport = TransportWebSocket
		case s.URL != "":
			s.Transport = TransportSSE
		default:
			return fmt.Errorf("either command or url is required")
		}
	}

	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
		switch transport.StderrMode(s.Stderr) {
		case "", transport.StderrInherit, transport.StderrPipe, transport.StderrOverlapped:
		default:
			return fmt.Errorf("stderr %q must be inherit, pipe or overlapped", s.Stderr)
		}
	case TransportSSE, TransportWebSocket:
		if s.URL == "" {
			return fmt.Errorf("%s transport requires url", s.Transport)
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		if u.Host == "" {
			return fmt.Errorf("url %q has no host", s.URL)
		}
		if s.OAuth != nil && s.Token != "" {
			return fmt.Errorf("token and oauth are mutually exclusive")
		}
		if s.OAuth != nil && (s.OAuth.ClientID == "" || s.OAuth.TokenURL == "" || s.OAuth.DeviceAuthURL == "") {
			return fmt.Errorf("oauth requires client_id, device_auth_url and token_url")
		}
	default:
		return fmt.Errorf("unknown transport %q", s.Transport)
	}
	return nil
}

func (c *Config) hasSecrets() bool {
	for _, s := range c.Servers {
		if s.Token != "" && !strings.HasPrefix(strings.TrimSpace(s.Token), "${") {
			return true
		}
	}
	return false
}

func parseDuration(key, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

func checkPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o, want 0600", ErrInsecurePermissions, path, info.Mode().Perm())
	}
	return nil
}
