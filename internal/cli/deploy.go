package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/engine"
)

// newDeployCommand creates the "deploy" subcommand that schedules services onto the cluster.
func newDeployCommand(opts *Options) *cobra.Command {
	var (
		components string
		dryRun     bool
		exportDir  string
		noCycles   bool
	)

	cmd := &cobra.Command{
		Use:   "deploy [service...]",
		Short: "Deploy services (all services in topology when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRun(opts, cmd, config.LoadOptions{
				DryRun:         dryRun,
				ExportDir:      exportDir,
				SkipCycleCheck: noCycles,
			})
			if err != nil {
				return err
			}
			services := parseNames(args, components)
			if len(services) == 0 {
				services = rc.cfg.Action.Components
			}

			reg, err := rc.loadRegistry()
			if err != nil {
				return err
			}
			eng := engine.NewEngine(rc.cfg, reg, rc.gateway(cmd.OutOrStdout()), rc.vars, rc.logger)

			res, err := eng.Deploy(cmd.Context(), engine.DeployRequest{Services: services})
			if err != nil {
				return err
			}
			for _, up := range res.Upgrades {
				rc.logger.Info("upgrade scheduled",
					"component", up.Component, "from", up.From, "to", up.To,
					"services", strings.Join(up.Services, ","))
			}
			rc.logger.Info("deployment scheduled",
				"run", res.RunID, "services", len(res.Services), "objects", len(res.Applied),
				"dry_run", rc.cfg.DryRun())
			return nil
		},
	}

	cmd.Flags().StringVar(&components, "components", "", "Comma-separated services to deploy")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print objects instead of applying them")
	cmd.Flags().StringVar(&exportDir, "export-dir", "", "Write objects to this directory instead of applying them")
	cmd.Flags().BoolVar(&noCycles, "skip-cycle-check", false, "Do not reject cyclic unit dependencies")
	addVarsFlag(cmd)

	return cmd
}
