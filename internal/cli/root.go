package cli

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/config"
	"github.com/gkobilansky/funnel-goat/internal/logging"
)

// app carries what the persistent flags resolve to. Commands read cfg and
// logger after PersistentPreRunE has run.
type app struct {
	dbPath     string
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "fgoat",
		Short: "Funnel Goat - self-hosted experiments and funnel analytics",
		Long: `🐐 Funnel Goat runs A/B experiments against audience segments and
collects the behavioral events and conversions needed to judge them.
Single Go binary, embedded SQLite, optional Redis for client state.

Running without a subcommand starts the server (same as 'fgoat serve').`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}

	rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", getEnvOrDefault("FG_DB_PATH", "./fg.db"), "database path")
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("FG_CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", getEnvOrDefault("FG_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	serve := newServeCmd(a)
	rootCmd.RunE = serve.RunE
	rootCmd.Flags().AddFlagSet(serve.Flags())

	rootCmd.AddCommand(
		serve,
		newCreateCmd(a),
		newListCmd(a),
		newLifecycleCmd(a, "start"),
		newLifecycleCmd(a, "pause"),
		newLifecycleCmd(a, "end"),
		newResultsCmd(a),
		newExportCmd(a),
		newSimulateCmd(a),
		newTokenCmd(a),
	)
	return rootCmd
}

func Execute() error {
	return newRootCmd().Execute()
}

// load resolves config in order: defaults, file, environment, flags.
func (a *app) load(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("db") || cfg.Server.DBPath == config.Default().Server.DBPath {
		cfg.Server.DBPath = a.dbPath
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	a.dbPath = cfg.Server.DBPath

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
