package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/kube"
)

func TestParseNames(t *testing.T) {
	assert.Nil(t, parseNames(nil, ""))
	assert.Equal(t, []string{"keystone", "mariadb", "nova"}, parseNames([]string{"nova", "keystone"}, " mariadb,,keystone "))
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand(&Options{}, nil)
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"deploy", "fetch", "topology", "show-dep", "status"}, names)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stackctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.env"), []byte("REGION=eu\nTIER=dev\n"), 0o644))
	return path
}

func TestLoadRun_MergesVars(t *testing.T) {
	path := writeConfig(t, `
env_files:
  - deploy.env
action:
  dry_run: true
  export_dir: out
`)
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "info", "")
	addVarsFlag(cmd)
	require.NoError(t, cmd.Flags().Set("vars", "TIER=prod"))
	cmd.SetContext(context.Background())

	rc, err := loadRun(&Options{ConfigPath: path}, cmd, config.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "eu", rc.vars["REGION"])
	assert.Equal(t, "prod", rc.vars["TIER"])

	gw, ok := rc.gateway(nil).(*kube.Exporter)
	require.True(t, ok, "dry run exports instead of applying")
	assert.Equal(t, "out", gw.Dir)
	assert.Equal(t, "stackctl", gw.Namespace)
}

func TestLoadRun_LiveGateway(t *testing.T) {
	path := writeConfig(t, "kubernetes:\n  namespace: openstack\n")
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "info", "")
	cmd.SetContext(context.Background())

	rc, err := loadRun(&Options{ConfigPath: path}, cmd, config.LoadOptions{})
	require.NoError(t, err)
	client, ok := rc.gateway(nil).(*kube.Client)
	require.True(t, ok)
	assert.Equal(t, "openstack", client.Namespace)
}

func TestLoadRun_FlagOverridesSelectExporter(t *testing.T) {
	path := writeConfig(t, "kubernetes:\n  namespace: openstack\n")
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "info", "")
	cmd.SetContext(context.Background())

	rc, err := loadRun(&Options{ConfigPath: path}, cmd, config.LoadOptions{ExportDir: "objects"})
	require.NoError(t, err)
	gw, ok := rc.gateway(nil).(*kube.Exporter)
	require.True(t, ok)
	assert.Equal(t, "objects", gw.Dir)
	assert.True(t, rc.cfg.Action.CheckCycles)
}
