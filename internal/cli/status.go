package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/engine"
)

type statusRow struct {
	Service   string `yaml:"service"`
	Component string `yaml:"component"`
	Deployed  bool   `yaml:"deployed"`
}

// newStatusCommand creates the "status" subcommand that shows which services are deployed.
func newStatusCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which defined services have a workload in the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := loadRun(opts, cmd, config.LoadOptions{})
			if err != nil {
				return err
			}
			reg, err := rc.loadRegistry()
			if err != nil {
				return err
			}
			eng := engine.NewEngine(rc.cfg, reg, rc.gateway(cmd.OutOrStdout()), rc.vars, rc.logger)

			status, err := eng.Status(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]statusRow, 0, len(status))
			for _, s := range status {
				rows = append(rows, statusRow{Service: s.Service, Component: s.Component, Deployed: s.Deployed})
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(rows); err != nil {
				return fmt.Errorf("encode status: %w", err)
			}
			return enc.Close()
		},
	}
	addVarsFlag(cmd)
	return cmd
}
