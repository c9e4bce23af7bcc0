package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/mcpwire/config"
	"github.com/vinayprograms/mcpwire/gateway"
	"github.com/vinayprograms/mcpwire/shutdown"
	"github.com/vinayprograms/mcpwire/transport"
)

var (
	serveListen string
	serveServer string
)

var serveCmd = &cobra.Command{
	Use:   "serve [--server NAME] [-- COMMAND [ARGS...]]",
	Short: "Expose an MCP server over SSE and WebSocket",
	Long: `Serve accepts SSE and WebSocket clients and bridges every session to its
own connection to the upstream server. The upstream is a configured server or
a command given after --.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides gateway.listen)")
	serveCmd.Flags().StringVar(&serveServer, "server", "", "configured server to bridge")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	server, err := resolveServer(serveServer, args)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Gateway.Listen = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seq := shutdown.New(shutdown.Config{Timeout: cfg.Gateway.Shutdown, Logger: log.WithComponent("shutdown")})
	tap, err := startTelemetry(ctx, seq)
	if err != nil {
		return err
	}

	opts := config.BuildOptions{Logger: log.WithComponent("upstream"), DeviceFlow: deviceFlowCallbacks(os.Stderr)}
	upstream := func(ctx context.Context) (transport.Transport, error) {
		return server.NewTransport(opts)
	}

	gw := gateway.New(gateway.OptionsFromConfig(cfg.Gateway, upstream, tap, log.WithComponent("gateway")))
	srv := &http.Server{
		Addr:              cfg.Gateway.Listen,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	seq.Register("sessions", shutdown.PhaseSessions, gw.Shutdown)
	seq.Register("http", shutdown.PhaseListeners, srv.Shutdown)

	log.Info("gateway listening", map[string]interface{}{
		"listen":    cfg.Gateway.Listen,
		"sse":       cfg.Gateway.SSEPath,
		"websocket": cfg.Gateway.WebSocketPath,
		"upstream":  server.Transport,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return seq.Run()
	})
	return g.Wait()
}
