package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livefir/livelayer/transport"
)

var bridgeFlags struct {
	listen string
	path   string
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Serve the WebSocket bridge in front of an HTTP application",
	Long: `Bridge accepts WebSocket connections from coordinators using the
WebSocket transport and forwards every request frame to the application at
--base over HTTP.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if baseURL == "" {
			return fmt.Errorf("--base is required")
		}
		logger := log.New(os.Stderr, "", log.LstdFlags)
		up, err := upstream(baseURL, logger)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle(bridgeFlags.path, transport.NewWebSocketBridge(up, transport.WithBridgeLogger(logger)))
		srv := &http.Server{
			Addr:              bridgeFlags.listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 1)
		go func() {
			logger.Printf("LAYERCTL: bridging ws://%s%s to %s", bridgeFlags.listen, bridgeFlags.path, baseURL)
			errc <- srv.ListenAndServe()
		}()

		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		logger.Printf("LAYERCTL: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeFlags.listen, "listen", "localhost:8080", "Address to listen on")
	bridgeCmd.Flags().StringVar(&bridgeFlags.path, "path", "/ws", "Path serving the WebSocket endpoint")
}
