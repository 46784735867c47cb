package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpattn/blacklist/internal/config"
	"github.com/rpattn/blacklist/internal/logging"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        config.Config
	logger     zerolog.Logger
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "blacklistd",
		Short:         "Ingest domain blacklists from CSV and Excel files",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := config.NewViper(a.configPath)
			if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
				return err
			}
			if err := v.BindPFlag("log.format", cmd.Flags().Lookup("log-format")); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New(cfg.Log.Level, cfg.Log.Format)
			logging.SetGlobal(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", ".", "directory containing config.yaml")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text or json)")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newIngestCmd(a),
		newExportCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
