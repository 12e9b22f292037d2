package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpmeet/internal/config"
	"github.com/BioHazard786/warpmeet/internal/logging"
	"github.com/BioHazard786/warpmeet/internal/metrics"
	"github.com/BioHazard786/warpmeet/internal/server"
)

var (
	flagConfigFile string
	flagAddress    string
	flagRegistry   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Run the signaling server that relays call setup messages between room members.

Examples:
  warpmeet serve
  warpmeet serve --address :9000
  warpmeet serve --config server.yaml --registry redis`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(flagConfigFile)
		if err != nil {
			return err
		}
		if flagAddress != "" {
			cfg.HTTP.Address = flagAddress
		}
		if flagRegistry != "" {
			cfg.Registry.Backend = flagRegistry
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if flagLogLevel == "" {
			logging.SetLevel(cfg.Log.Level)
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&flagConfigFile, "config", "c", "", "Path to a YAML config file")
	serveCmd.Flags().StringVarP(&flagAddress, "address", "a", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&flagRegistry, "registry", "", "Room registry backend: memory or redis (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *config.ServerConfig) error {
	log := logging.Component("serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, closeRegistry, err := server.NewRegistry(ctx, cfg.Registry)
	if err != nil {
		return err
	}
	defer closeRegistry()

	collector := metrics.NewPrometheusCollector(prometheus.NewRegistry())

	log.Info().
		Str("address", cfg.HTTP.Address).
		Str("registry", cfg.Registry.Backend).
		Msg("signaling server starting")

	if err := server.New(cfg, registry, collector).Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("signaling server stopped")
	return nil
}
