package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/engine"
	"github.com/codex-k8s/stackctl/internal/registry"
)

// newTopologyCommand creates the "topology" subcommand that prints the service placement.
func newTopologyCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print the hosts every service is placed on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := loadRun(opts, cmd, config.LoadOptions{})
			if err != nil {
				return err
			}
			reg, err := registry.New(nil, nil)
			if err != nil {
				return err
			}
			eng := engine.NewEngine(rc.cfg, reg, rc.gateway(cmd.OutOrStdout()), rc.vars, rc.logger)

			topo, err := eng.Topology(cmd.Context())
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(map[string][]string(topo)); err != nil {
				return fmt.Errorf("encode topology: %w", err)
			}
			return enc.Close()
		},
	}
}
