package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/mcpwire/config"
	"github.com/vinayprograms/mcpwire/gateway"
	"github.com/vinayprograms/mcpwire/shutdown"
	"github.com/vinayprograms/mcpwire/transport"
)

var connectToken string

var connectCmd = &cobra.Command{
	Use:   "connect NAME|URL",
	Short: "Expose a remote MCP server on stdin and stdout",
	Long: `Connect dials a remote server over SSE or WebSocket and relays it to
stdin and stdout, so a local MCP client can launch it as a stdio server.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectToken, "token", "", "bearer token for the remote server")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	server, err := remoteServer(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seq := shutdown.New(shutdown.Config{Timeout: cfg.Gateway.Shutdown, Logger: log.WithComponent("shutdown")})
	tap, err := startTelemetry(ctx, seq)
	if err != nil {
		return err
	}
	defer seq.Run()

	dial := func(context.Context) (transport.Transport, error) {
		return server.NewTransport(config.BuildOptions{
			Logger:     log.WithComponent("upstream"),
			DeviceFlow: deviceFlowCallbacks(os.Stderr),
		})
	}
	up, err := dial(ctx)
	if err != nil {
		return err
	}
	down := transport.NewStdioServerTransport(os.Stdin, os.Stdout, transport.WithServerLogger(log.WithComponent("stdio")))

	bridge := gateway.NewBridge(down, up, gateway.BridgeOptions{
		SessionID:     "stdio",
		Transport:     transport.KindStdioServer,
		Tap:           tap,
		Redial:        dial,
		StartAttempts: cfg.Gateway.StartAttempts,
		RetryBackoff:  cfg.Gateway.Backoff,
		Logger:        log.WithComponent("bridge"),
	})
	return bridge.Run(ctx)
}

// remoteServer resolves a configured server name or a URL.
func remoteServer(arg string) (config.ServerConfig, error) {
	var s config.ServerConfig
	if strings.Contains(arg, "://") {
		s = config.ServerConfig{URL: arg}
	} else {
		var err error
		if s, err = cfg.Server(arg); err != nil {
			return s, err
		}
	}
	if s.Command != "" {
		return s, fmt.Errorf("connect needs a remote server, %q is a command", arg)
	}
	if connectToken != "" {
		s.Token = connectToken
		s.OAuth = nil
	}
	return s, s.Normalize()
}
