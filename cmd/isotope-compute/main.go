// Command isotope-compute runs the pipelines declared in a config file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandboxws/isotope/compute/pkg/config"
	"github.com/sandboxws/isotope/compute/pkg/driver"
	"github.com/sandboxws/isotope/compute/pkg/stages"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("isotope-compute failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rc := &cobra.Command{
		Use:           "isotope-compute",
		Short:         "Run vectorized batch pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newRunCommand())
	rc.AddCommand(newValidateCommand())
	return rc
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and every pipeline it declares",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg := stages.Registry(stages.Deps{})
			for _, plan := range cfg.Pipelines {
				if err := driver.Validate(plan, reg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s: %d stages, parallelism %d\n",
					plan.Name, len(plan.Stages), max(plan.Parallelism, 1))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d pipelines\n", len(cfg.Pipelines))
			return nil
		},
	}
}
