package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	synclan "github.com/1111mp/synclan"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SYNCLAN_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "synclan")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "synclan",
		Short:         "synclan is a LAN synchronization server relaying messages and files between paired devices",
		SilenceErrors: true,
		Example: `
  # serve with the default data directory
  synclan

  # custom data directory and verbose logging
  synclan --data-dir /var/lib/synclan --log-level debug

  # export the self-signed certificate for peers to trust
  synclan cert export --out .
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			server, logger, err := openServer(baseLogger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), synclan.DefaultShutdownTimeout)
				defer cancel()
				server.Close(closeCtx)
			}()
			logger.Info("starting synclan", "pid", os.Getpid())
			if err := server.Start(); err != nil {
				return err
			}
			if err := server.WaitUntilReady(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), synclan.DefaultShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown failed", "error", err)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("data-dir", "d", "", "data directory (defaults to the per-user config location)")
	flags.String("bind-host", "0.0.0.0", "address the listener binds to")
	flags.String("log-level", "", "log level (silent, error, warn, info, debug, trace); defaults to the settings document")
	flags.String("upload-max", humanize.IBytes(synclan.DefaultUploadMaxBytes), "maximum size of a single upload")
	flags.Duration("ack-timeout", synclan.DefaultAckTimeout, "how long a live delivery waits for the receiver's acknowledgment")
	flags.Duration("shutdown-timeout", synclan.DefaultShutdownTimeout, "how long a superseded listener may drain")

	viper.SetEnvPrefix("SYNCLAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{
		"data-dir", "bind-host", "log-level", "upload-max", "ack-timeout", "shutdown-timeout",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newCertCommand(baseLogger))
	cmd.AddCommand(newFilesCommand(baseLogger))
	cmd.AddCommand(newConfigCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// bindConfig resolves the process configuration from flags and environment.
func bindConfig() (synclan.Config, error) {
	cfg := synclan.Config{
		DataDir:         viper.GetString("data-dir"),
		BindHost:        viper.GetString("bind-host"),
		AckTimeout:      viper.GetDuration("ack-timeout"),
		ShutdownTimeout: viper.GetDuration("shutdown-timeout"),
	}
	if raw := strings.TrimSpace(viper.GetString("upload-max")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return synclan.Config{}, fmt.Errorf("parse upload-max: %w", err)
		}
		cfg.UploadMaxBytes = int64(size)
	}
	return cfg, nil
}

// openServer builds a Server from the bound configuration. The log level
// flag wins over the settings document; the document is the default.
func openServer(baseLogger pslog.Logger) (*synclan.Server, pslog.Logger, error) {
	cfg, err := bindConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := baseLogger
	flagLevel := strings.TrimSpace(viper.GetString("log-level"))
	if flagLevel != "" {
		if level, ok := pslog.ParseLevel(flagLevel); ok {
			logger = logger.LogLevel(level)
		}
	}
	server, err := synclan.NewServer(cfg, synclan.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if flagLevel == "" {
		logger = logger.LogLevel(server.Settings().PslogLevel())
	}
	return server, logger, nil
}

func closeQuietly(server *synclan.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Close(ctx)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
