package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/mcpwire/auth"
	"github.com/vinayprograms/mcpwire/config"
	"github.com/vinayprograms/mcpwire/logging"
	"github.com/vinayprograms/mcpwire/shutdown"
	"github.com/vinayprograms/mcpwire/telemetry"
)

var (
	// Global flags
	cfgFile  string
	logLevel string

	// Set during PersistentPreRunE
	cfg *config.Config
	log *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mcpwire",
	Short: "Bridge MCP servers across stdio, SSE and WebSocket transports",
	Long: `mcpwire moves JSON-RPC messages between MCP transports. It can expose a
local stdio server to remote clients over SSE and WebSocket, or make a remote
server look like a local stdio server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.Find()
		}
		if path == "" {
			cfg = config.Default()
		} else {
			var err error
			cfg, err = config.LoadFile(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
		}
		if logLevel != "" {
			cfg.Log.Level = logging.ParseLevel(logLevel)
		}
		log = logging.NewWithConfig(cfg.Log)
		return nil
	},
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./mcpwire.toml or ~/.config/mcpwire/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

// resolveServer picks the upstream server: an ad-hoc command from args,
// the named entry, gateway.server, or the only configured server.
func resolveServer(name string, args []string) (config.ServerConfig, error) {
	if len(args) > 0 {
		s := config.ServerConfig{Command: args[0], Args: args[1:]}
		return s, s.Normalize()
	}
	if name == "" {
		name = cfg.Gateway.Server
	}
	if name == "" {
		names := cfg.ServerNames()
		if len(names) != 1 {
			return config.ServerConfig{}, fmt.Errorf("no server selected: pass --server or a command after --")
		}
		name = names[0]
	}
	return cfg.Server(name)
}

// startTelemetry installs tracing when configured and opens the traffic
// tap. Both are registered for release in the telemetry phase.
func startTelemetry(ctx context.Context, seq *shutdown.Sequence) (telemetry.Exporter, error) {
	if cfg.Telemetry.Enabled() {
		cfg.Telemetry.ServiceVersion = version
		provider, err := telemetry.InitProvider(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		seq.Register("tracing", shutdown.PhaseTelemetry, provider.Shutdown)
	}

	tap, err := telemetry.NewExporter(cfg.Tap.Protocol, cfg.Tap.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open tap: %w", err)
	}
	seq.Register("tap", shutdown.PhaseTelemetry, func(ctx context.Context) error {
		return tap.Close()
	})
	return tap, nil
}

func deviceFlowCallbacks(w io.Writer) *auth.DeviceFlowCallbacks {
	return &auth.DeviceFlowCallbacks{
		OnUserCode: func(verificationURI, userCode string) {
			fmt.Fprintf(w, "To authorize mcpwire, open %s and enter code %s\n", verificationURI, userCode)
		},
	}
}
