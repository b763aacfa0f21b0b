package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/engine"
)

// newShowDepCommand creates the "show-dep" subcommand that lists the services others depend on.
func newShowDepCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-dep service [service...]",
		Short: "Print the services the given services depend on, transitively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRun(opts, cmd, config.LoadOptions{})
			if err != nil {
				return err
			}
			reg, err := rc.loadRegistry()
			if err != nil {
				return err
			}
			eng := engine.NewEngine(rc.cfg, reg, rc.gateway(cmd.OutOrStdout()), rc.vars, rc.logger)

			deps, err := eng.Dependencies(parseNames(args, ""))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(deps, " "))
			return err
		},
	}
	addVarsFlag(cmd)
	return cmd
}
