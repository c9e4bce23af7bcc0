package config

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/vinayprograms/mcpwire/auth"
	"github.com/vinayprograms/mcpwire/logging"
	"github.com/vinayprograms/mcpwire/transport"
)

// BuildOptions carries the runtime pieces a server section cannot express.
type BuildOptions struct {
	Logger     *logging.Logger
	HTTPClient *http.Client

	// TokenStore persists OAuth tokens. Default: auth.DefaultTokenPath().
	TokenStore *auth.FileStore

	// DeviceFlow receives the user code during an OAuth device flow.
	DeviceFlow *auth.DeviceFlowCallbacks
}

// NewTransport builds a client transport for the server. The transport is
// not started.
func (s ServerConfig) NewTransport(opts BuildOptions) (transport.Transport, error) {
	switch s.Transport {
	case TransportStdio:
		t := transport.NewStdioClientTransport(s.StdioParameters(opts.Logger))
		if stderr := t.Stderr(); stderr != nil {
			go logStderr(stderr, opts.Logger, s.Command)
		}
		return t, nil

	case TransportSSE:
		u, err := url.Parse(s.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		t := transport.NewSSEClientTransport(u, transport.SSEClientOptions{
			HTTPClient:   opts.HTTPClient,
			Headers:      s.header(),
			AuthProvider: s.authProvider(opts),
			Logger:       opts.Logger,
		})
		if s.ProtocolVersion != "" {
			t.SetProtocolVersion(s.ProtocolVersion)
		}
		return t, nil

	case TransportWebSocket:
		u, err := url.Parse(s.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		h := s.header()
		if token := s.token(); token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
		if s.ProtocolVersion != "" {
			h.Set(transport.ProtocolVersionHeader, s.ProtocolVersion)
		}
		return transport.NewWebSocketClientTransport(u, transport.WebSocketConfig{
			Header: h,
			Logger: opts.Logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown transport %q", s.Transport)
}

// StdioParameters converts a stdio server section.
func (s ServerConfig) StdioParameters(log *logging.Logger) transport.StdioServerParameters {
	env := make(map[string]string, len(s.Env))
	for k, v := range s.Env {
		env[k] = os.ExpandEnv(v)
	}
	return transport.StdioServerParameters{
		Command: s.Command,
		Args:    s.Args,
		Env:     env,
		Dir:     s.Dir,
		Stderr:  transport.StderrMode(s.Stderr),
		Logger:  log,
	}
}

// logStderr copies a captured child stderr into the logger line by line
// until the transport closes it.
func logStderr(r io.Reader, log *logging.Logger, command string) {
	if log == nil {
		log = logging.Nop()
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Info("child stderr", map[string]interface{}{"command": command, "line": sc.Text()})
	}
	// Over-long lines end the scanner; keep the child from blocking.
	io.Copy(io.Discard, r)
}

func (s ServerConfig) header() http.Header {
	h := make(http.Header, len(s.Headers))
	for k, v := range s.Headers {
		h.Set(k, os.ExpandEnv(v))
	}
	return h
}

func (s ServerConfig) token() string {
	return os.ExpandEnv(s.Token)
}

func (s ServerConfig) authProvider(opts BuildOptions) auth.Provider {
	if s.OAuth != nil {
		store := opts.TokenStore
		if store == nil {
			store = auth.NewFileStore(auth.DefaultTokenPath())
		}
		return auth.NewDeviceFlowProvider(s.URL, *s.OAuth, store, opts.DeviceFlow)
	}
	if token := s.token(); token != "" {
		return auth.StaticProvider{Token: token}
	}
	return nil
}
