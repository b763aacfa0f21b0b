package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/engine"
	"github.com/codex-k8s/stackctl/internal/env"
	"github.com/codex-k8s/stackctl/internal/kube"
	"github.com/codex-k8s/stackctl/internal/logging"
	"github.com/codex-k8s/stackctl/internal/registry"
)

// runContext is the loaded state shared by commands.
type runContext struct {
	cfg    *config.Config
	vars   env.Vars
	logger *slog.Logger
}

// loadRun loads the configuration and the template variables of a command. The
// config log level applies unless --log-level was given explicitly.
func loadRun(opts *Options, cmd *cobra.Command, overrides config.LoadOptions) (*runContext, error) {
	logger := LoggerFromContext(cmd.Context())

	cfg, err := config.LoadConfig(opts.ConfigPath, overrides)
	if err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") && cfg.Log.Level != "" {
		logger = logging.NewLogger(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	}

	fileVars, err := env.LoadEnvFiles(cfg.BaseDir, cfg.EnvFiles)
	if err != nil {
		return nil, err
	}
	vars := fileVars
	if f := cmd.Flags().Lookup("vars"); f != nil {
		inline, err := env.ParseInlineVars(f.Value.String())
		if err != nil {
			return nil, err
		}
		vars = env.Merge(fileVars, inline)
	}

	logger.Debug("configuration loaded", "path", opts.ConfigPath, "repositories", len(cfg.Repositories.Names))
	return &runContext{cfg: cfg, vars: vars, logger: logger}, nil
}

// loadRegistry loads every service definition and the container start script.
func (rc *runContext) loadRegistry() (*registry.Registry, error) {
	reg, err := registry.Load(rc.cfg, rc.vars, rc.logger)
	if err != nil {
		return nil, err
	}
	script, err := registry.LoadStartScript(rc.cfg)
	if err != nil {
		return nil, err
	}
	reg.StartScript = script
	return reg, nil
}

// gateway returns the kubectl client, or an exporter writing to out (or the export
// dir) in dry-run mode. The exporter still lists nodes from the cluster.
func (rc *runContext) gateway(out io.Writer) engine.Gateway {
	k := rc.cfg.Kubernetes
	client := kube.NewClient(k.Kubeconfig, k.Context, k.Namespace, rc.logger)
	if !rc.cfg.DryRun() {
		return client
	}
	return &kube.Exporter{
		Dir:       rc.cfg.Action.ExportDir,
		Out:       out,
		Namespace: k.Namespace,
		Live:      client,
	}
}

func addVarsFlag(cmd *cobra.Command) {
	cmd.Flags().String("vars", "", "Additional template variables in k=v,k2=v2 format (override env_files)")
}
