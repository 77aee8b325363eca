package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sitewatch/common/logger"
	"sitewatch/internal/config"
	"sitewatch/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags, override the environment when set
	logLevel   string
	storeFlag  string
	configFile string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "sitewatch-iobox",
	Short: "Monitor telecom site I/O boxes and reconcile pin alarms",
	Long: `sitewatch-iobox keeps a TCP link to every configured I/O box, decodes
the pin-state frames they report and turns pin changes into equipment
alarms and site status.

Configuration comes from the environment (DB_*, REDIS_*, MQTT_*, IOBOX_*,
EVENTS_*). Flags override the matching variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		overrides := map[string]string{
			"LOG_LEVEL":         logLevel,
			"STORE_BACKEND":     storeFlag,
			"IOBOX_CONFIG_FILE": configFile,
		}
		for key, value := range overrides {
			if value == "" {
				continue
			}
			if err := os.Setenv(key, value); err != nil {
				return err
			}
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService(cfg)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "storage backend (postgres, memory)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "site config file for the memory backend (.json, .yaml)")

	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func runService(cfg *config.Config) error {
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "sitewatch-iobox")
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	ioboxService, err := service.NewIOBoxService(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create iobox service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ioboxService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start iobox service: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	err = waitAndStop(sigChan, ioboxService, log)
	cancel()
	return err
}

type stopper interface {
	Stop() error
}

// waitAndStop blocks until a signal arrives, then stops svc
func waitAndStop(sigChan <-chan os.Signal, svc stopper, log *zap.Logger) error {
	sig := <-sigChan
	log.Info("Received signal, shutting down",
		zap.String("signal", sig.String()),
	)

	if err := svc.Stop(); err != nil {
		log.Error("Failed to stop iobox service cleanly", zap.Error(err))
		return fmt.Errorf("failed to stop iobox service: %w", err)
	}
	log.Info("IOBox service stopped")
	return nil
}
