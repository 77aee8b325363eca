package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"sitewatch/common/database"
	"sitewatch/internal/config"
	"sitewatch/internal/pinconfig"
	"sitewatch/internal/repository"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load devices and pin configuration and report what would be monitored",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, closeFn, err := openConfigSource(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return checkConfig(ctx, source, cmd.OutOrStdout())
	},
}

func openConfigSource(cfg *config.Config) (repository.ConfigSource, func(), error) {
	if cfg.Store.Backend == config.StoreBackendMemory {
		return repository.NewFileConfigSource(cfg.Store.ConfigFile), func() {}, nil
	}
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return repository.NewSiteConfigRepository(db, zap.NewNop()), func() { db.Close() }, nil
}

func checkConfig(ctx context.Context, source repository.ConfigSource, w io.Writer) error {
	devices, err := source.GetDevicesForAllSites(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	pins, err := source.GetPinConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pin configs: %w", err)
	}

	table := pinconfig.NewTable(pins, zap.NewNop())
	sites := make(map[string]int)
	for _, d := range devices {
		sites[d.SiteID]++
		fmt.Fprintf(w, "device %s %s:%d\n", d.Key(), d.IP, d.Port)
	}
	fmt.Fprintf(w, "sites=%d devices=%d pin_configs=%d distinct_pins=%d\n",
		len(sites), len(devices), len(pins), table.Len())
	return nil
}
