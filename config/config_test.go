package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/vinayprograms/mcpwire/auth"
	"github.com/vinayprograms/mcpwire/logging"
	"github.com/vinayprograms/mcpwire/transport"
)

const sample = `
[gateway]
listen = "0.0.0.0:8080"
server = "files"
websocket_path = "/ws"
dns_rebinding_protection = true
allowed_hosts = ["localhost:8080"]
heartbeat_interval = "15s"
start_attempts = 4
retry_backoff = "250ms"

[log]
level = "debug"
format = "json"

[tap]
protocol = "file"
endpoint = "/tmp/tap.jsonl"

[servers.files]
command = "mcp-server-files"
args = ["--root", "/srv"]
env = { FILES_READONLY = "1" }
stderr = "pipe"

[servers.remote]
url = "https://mcp.example.com/sse"
headers = { X-Team = "core" }
token = "${REMOTE_TOKEN}"

[servers.socket]
url = "wss://mcp.example.com/ws"
`

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	g := cfg.Gateway
	if g.Listen != "0.0.0.0:8080" || g.Server != "files" || g.WebSocketPath != "/ws" {
		t.Errorf("gateway = %+v", g)
	}
	if g.SSEPath != "/sse" || g.MessagesPath != "/messages" {
		t.Errorf("defaults not kept: %q %q", g.SSEPath, g.MessagesPath)
	}
	if g.Heartbeat != 15*time.Second {
		t.Errorf("Heartbeat = %v, want 15s", g.Heartbeat)
	}
	if g.Shutdown != 10*time.Second {
		t.Errorf("Shutdown = %v, want 10s", g.Shutdown)
	}
	if g.StartAttempts != 4 || g.Backoff != 250*time.Millisecond {
		t.Errorf("retry = %d attempts, %v backoff", g.StartAttempts, g.Backoff)
	}
	if !g.DNSRebindingProtection || len(g.AllowedHosts) != 1 {
		t.Errorf("dns rebinding settings = %+v", g)
	}
	if cfg.Log.Level != logging.LevelDebug || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}

	if got := cfg.ServerNames(); strings.Join(got, ",") != "files,remote,socket" {
		t.Errorf("ServerNames() = %v", got)
	}
	want := map[string]string{
		"files":  TransportStdio,
		"remote": TransportSSE,
		"socket": TransportWebSocket,
	}
	for name, tr := range want {
		s, err := cfg.Server(name)
		if err != nil {
			t.Fatalf("Server(%q): %v", name, err)
		}
		if s.Transport != tr {
			t.Errorf("%s transport = %q, want %q", name, s.Transport, tr)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", `[gateway`, "failed to parse config"},
		{"unknown key", "[gateway]\nlisten_addr = \"x\"", "unknown keys gateway.listen_addr"},
		{"relative path", "[gateway]\nsse_path = \"sse\"", "must start with /"},
		{"same paths", "[gateway]\nsse_path = \"/x\"\nmessages_path = \"/x\"", "must differ"},
		{"bad duration", "[gateway]\nheartbeat_interval = \"soon\"", "gateway.heartbeat_interval"},
		{"missing server", "[gateway]\nserver = \"nope\"", `gateway.server "nope"`},
		{"empty server", "[servers.a]\nargs = [\"x\"]", "either command or url is required"},
		{"command and url", "[servers.a]\ncommand = \"x\"\nurl = \"http://h/sse\"", "mutually exclusive"},
		{"stdio without command", "[servers.a]\ntransport = \"stdio\"\nurl = \"http://h\"", "requires command"},
		{"sse without url", "[servers.a]\ntransport = \"sse\"", "requires url"},
		{"url without host", "[servers.a]\nurl = \"/sse\"", "has no host"},
		{"bad stderr", "[servers.a]\ncommand = \"x\"\nstderr = \"file\"", "stderr"},
		{"unknown transport", "[servers.a]\ntransport = \"quic\"\nurl = \"http://h\"", "unknown transport"},
		{"incomplete oauth", "[servers.a]\nurl = \"http://h/sse\"\n[servers.a.oauth]\nclient_id = \"c\"", "oauth requires"},
		{"negative session limit", "[gateway]\nsessions_per_minute = -1", "sessions_per_minute"},
		{"negative start attempts", "[gateway]\nstart_attempts = -1", "start_attempts"},
		{"bad retry backoff", "[gateway]\nretry_backoff = \"soon\"", "gateway.retry_backoff"},
		{"bad tap", "[tap]\nprotocol = \"kafka\"", "tap.protocol"},
		{"tap without endpoint", "[tap]\nprotocol = \"http\"", "tap.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Gateway.MaxBodyBytes != transport.DefaultMaxBodyBytes {
		t.Errorf("MaxBodyBytes = %d", cfg.Gateway.MaxBodyBytes)
	}
}

func TestLoadFile_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	dir := t.TempDir()
	content := "[servers.a]\nurl = \"http://h/sse\"\ntoken = \"literal-secret\"\n"

	loose := filepath.Join(dir, "loose.toml")
	if err := os.WriteFile(loose, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(loose); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("LoadFile(0644) = %v, want ErrInsecurePermissions", err)
	}

	tight := filepath.Join(dir, "tight.toml")
	if err := os.WriteFile(tight, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(tight)
	if err != nil {
		t.Fatalf("LoadFile(0600) = %v", err)
	}
	if cfg.Path != tight {
		t.Errorf("Path = %q", cfg.Path)
	}

	// Environment references are not secrets.
	ref := filepath.Join(dir, "ref.toml")
	if err := os.WriteFile(ref, []byte("[servers.a]\nurl = \"http://h/sse\"\ntoken = \"${T}\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(ref); err != nil {
		t.Errorf("LoadFile(env reference) = %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "none.toml")); err == nil {
		t.Error("LoadFile(missing) should fail")
	}
}

func TestNewTransport(t *testing.T) {
	t.Setenv("REMOTE_TOKEN", "s3cret")
	cfg, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	opts := BuildOptions{Logger: logging.Nop()}

	for name, check := range map[string]func(transport.Transport) bool{
		"files":  func(tr transport.Transport) bool { _, ok := tr.(*transport.StdioClientTransport); return ok },
		"remote": func(tr transport.Transport) bool { _, ok := tr.(*transport.SSEClientTransport); return ok },
		"socket": func(tr transport.Transport) bool { _, ok := tr.(*transport.WebSocketTransport); return ok },
	} {
		s, _ := cfg.Server(name)
		tr, err := s.NewTransport(opts)
		if err != nil {
			t.Fatalf("%s: NewTransport: %v", name, err)
		}
		if !check(tr) {
			t.Errorf("%s: got %T", name, tr)
		}
	}

	if _, err := (ServerConfig{Transport: "quic"}).NewTransport(opts); err == nil {
		t.Error("unknown transport should fail")
	}
}

func TestStdioParameters(t *testing.T) {
	t.Setenv("FILES_ROOT", "/data")
	s := ServerConfig{
		Command: "srv",
		Args:    []string{"-v"},
		Env:     map[string]string{"ROOT": "${FILES_ROOT}"},
		Dir:     "/work",
		Stderr:  "pipe",
	}
	p := s.StdioParameters(nil)
	if p.Command != "srv" || p.Dir != "/work" || len(p.Args) != 1 {
		t.Errorf("params = %+v", p)
	}
	if p.Env["ROOT"] != "/data" {
		t.Errorf("Env[ROOT] = %q, want /data", p.Env["ROOT"])
	}
	if p.Stderr != transport.StderrPipe {
		t.Errorf("Stderr = %q", p.Stderr)
	}
}

func TestAuthProvider(t *testing.T) {
	t.Setenv("TOK", "abc")

	if p := (ServerConfig{}).authProvider(BuildOptions{}); p != nil {
		t.Errorf("no token: provider = %T, want nil", p)
	}

	p := (ServerConfig{Token: "${TOK}"}).authProvider(BuildOptions{})
	static, ok := p.(auth.StaticProvider)
	if !ok || static.Token != "abc" {
		t.Errorf("token: provider = %#v", p)
	}

	s := ServerConfig{
		URL:   "https://h/sse",
		OAuth: &auth.DeviceAuthConfig{ClientID: "c", DeviceAuthURL: "https://h/device", TokenURL: "https://h/token"},
	}
	store := auth.NewFileStore(filepath.Join(t.TempDir(), "tokens.toml"))
	if _, ok := s.authProvider(BuildOptions{TokenStore: store}).(*auth.DeviceFlowProvider); !ok {
		t.Error("oauth section should build a DeviceFlowProvider")
	}
}

func TestLogStderr(t *testing.T) {
	var out strings.Builder
	log := logging.NewWithConfig(logging.Config{Level: logging.LevelInfo, Format: "json"})
	log.SetOutput(&out)

	long := strings.Repeat("x", 128*1024)
	logStderr(strings.NewReader("starting\nready on stdio\n"+long+"\ntail\n"), log, "srv")

	got := out.String()
	for _, want := range []string{`"line":"starting"`, `"line":"ready on stdio"`, `"command":"srv"`} {
		if !strings.Contains(got, want) {
			t.Errorf("log output missing %s:\n%s", want, got)
		}
	}
}
