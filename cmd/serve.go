package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/unitybridge/relay/internal/config"
	"github.com/unitybridge/relay/internal/logging"
	"github.com/unitybridge/relay/internal/relay"
	"github.com/spf13/cobra"
)

var (
	serveHost   string
	servePort   int
	serveDebug  bool
	serveLogDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		cfg.Host = serveHost
		cfg.Port = servePort

		level := slog.LevelInfo
		if serveDebug {
			level = slog.LevelDebug
		}

		logDir := serveLogDir
		if logDir == "" {
			dir, err := config.DefaultLogDir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "relay: cannot determine log directory: %v\n", err)
			}
			logDir = dir
		}

		var logger *slog.Logger
		logCleanup := func() {}
		if logDir != "" {
			if err := os.MkdirAll(logDir, 0700); err != nil {
				fmt.Fprintf(os.Stderr, "relay: cannot create log directory: %v\n", err)
			} else if l, cleanup, err := logging.Setup(logDir, level, true); err != nil {
				fmt.Fprintf(os.Stderr, "relay: cannot set up file logging: %v\n", err)
			} else {
				logger, logCleanup = l, cleanup
			}
		}
		if logger == nil {
			// Fall back to stderr-only logging (no rotating file writer).
			logger = slog.New(logging.NewScrubbingHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		}
		defer logCleanup()

		r := relay.New(cfg, logger, nil)

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Info("received shutdown signal")
			cancel()
		}()

		if err := r.Serve(ctx); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "host to bind to")
	serveCmd.Flags().IntVar(&servePort, "port", 6500, "port to listen on")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "", "directory for the rotating log file (default: OS-specific log directory)")
	rootCmd.AddCommand(serveCmd)
}
