// Command aurora runs the conversation decision engine.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/logger"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "aurora",
		Short: "Affective conversation decision engine",
		Long: `aurora answers customer messages for a tour booking business. It tracks
the customer's affective state, ranks candidate replies from templates,
the knowledge base and past episodes, and hands off to a human when the
conversation turns negative.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before the configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug mode")

	root.AddCommand(newServeCmd(opts), newIngestCmd(opts), newVersionCmd())
	return root
}

// loadEnvFile loads path into the environment. A missing file is fine;
// variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (o *globalOptions) overrides() map[string]interface{} {
	overrides := make(map[string]interface{})
	if o.logLevel != "" {
		overrides["log.level"] = o.logLevel
	}
	if o.debug {
		overrides["app.debug"] = true
	}
	return overrides
}

// load reads the configuration and builds the logger it asks for.
func (o *globalOptions) load(extra map[string]interface{}) (*config.Config, *config.Loader, *logger.Logger, error) {
	overrides := o.overrides()
	for k, v := range extra {
		overrides[k] = v
	}
	loader := config.NewLoader()
	cfg, err := loader.Load(o.configPath, overrides)
	if err != nil {
		return nil, nil, nil, err
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)
	return cfg, loader, log, nil
}
