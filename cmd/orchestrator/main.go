package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/ledger-orchestrator/internal/infra"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions: общие флаги всех команд.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "orchestrator",
		Short:        "Multi-tenant bookkeeping agent orchestrator",
		SilenceUsage: true,
		Version:      version,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logger.level")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newCatalogCmd(opts))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	return cmd
}

// load читает конфиг и собирает корневой логгер.
func (o *rootOptions) load() (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logger.Level = o.logLevel
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
