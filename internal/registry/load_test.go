package registry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/env"
)

const keystoneDefinition = `service:
  name: keystone
  containers:
    - name: keystone
      image: keystone
      daemon:
        command: keystone-all --port {{ .keystone.port }}
        dependencies: [mariadb]
      pre:
        - name: keystone-db-create
          type: single
          command: db-create --host {{ address "mariadb" }}
files:
  keystone-conf:
    path: /etc/keystone/keystone.conf
    content: keystone.conf.j2
`

const mariadbDefinition = `service:
  name: mariadb
  containers:
    - name: mariadb
      image: mariadb
      daemon:
        command: mysqld
`

const upgradeDefinition = `upgrade:
  name: keystone-upgrade
  image: keystone
  steps:
    - name: stop
      type: kill-services
    - name: migrate
      command: keystone-manage db_sync
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRepos(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "stackctl-keystone", "service", "keystone.yaml"), keystoneDefinition)
	writeFile(t, filepath.Join(root, "stackctl-keystone", "service", "files", "keystone.conf.j2"), "port={{ .keystone.port }}\n")
	writeFile(t, filepath.Join(root, "stackctl-keystone", "service", "upgrade", "default.yaml"), upgradeDefinition)
	writeFile(t, filepath.Join(root, "stackctl-keystone", "exports", "macros.j2"), "keystone-macro")
	writeFile(t, filepath.Join(root, "stackctl-mariadb", "service", "mariadb.yaml"), mariadbDefinition)
	writeFile(t, filepath.Join(root, "stackctl-mariadb", "exports", "macros_2.j2"), "mariadb-macro")

	return &config.Config{
		BaseDir: root,
		Configs: map[string]any{"keystone": map[string]any{"port": 5000}},
		Services: map[string]config.CustomService{
			"keystone-admin": {
				ServiceDef: "keystone",
				Configs:    map[string]any{"keystone": map[string]any{"port": 35357}},
				Mapping:    map[string]string{"mariadb": "galera"},
			},
			"galera": {ServiceDef: "mariadb"},
		},
		Kubernetes: config.KubernetesConfig{Namespace: "ccp", ClusterDomain: "cluster.local"},
		Repositories: config.RepositoriesConfig{
			Path:             ".",
			Names:            []string{"stackctl-keystone", "stackctl-mariadb"},
			CloneConcurrency: 1,
		},
	}
}

func TestLoad(t *testing.T) {
	cfg := setupRepos(t)

	reg, err := Load(cfg, env.Vars{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"galera", "keystone", "keystone-admin", "mariadb"}, reg.Names())

	keystone, ok := reg.Get("keystone")
	require.True(t, ok)
	assert.Equal(t, "keystone", keystone.Component.Name)
	assert.True(t, keystone.Component.HasUpgrades())
	cont := keystone.Definition.Service.Containers[0]
	assert.Equal(t, "keystone-all --port 5000", cont.Daemon.Command)
	assert.Equal(t, "db-create --host mariadb.ccp.svc.cluster.local", cont.Pre[0].Command)
	assert.Equal(t, []string{"mariadb/mariadb"}, cont.Daemon.Dependencies)

	admin, ok := reg.Get("keystone-admin")
	require.True(t, ok)
	assert.Equal(t, "keystone", admin.Alias)
	adminCont := admin.Definition.Service.Containers[0]
	assert.Equal(t, "keystone-all --port 35357", adminCont.Daemon.Command)
	assert.Equal(t, "db-create --host galera.ccp.svc.cluster.local", adminCont.Pre[0].Command)
	assert.Equal(t, []string{"galera/mariadb"}, adminCont.Daemon.Dependencies)

	require.Contains(t, reg.Exports, "macrosj")
	assert.Equal(t, "keystone-macro\nmariadb-macro", reg.Exports["macrosj"].Body)
	assert.Equal(t, "macros.j2", reg.Exports["macrosj"].Name)
}

func TestLoad_MissingTemplateKey(t *testing.T) {
	cfg := setupRepos(t)
	cfg.Configs = nil

	_, err := Load(cfg, env.Vars{}, testLogger())
	assert.ErrorContains(t, err, "render service definition")
}

func TestFileContentsAndRenderFiles(t *testing.T) {
	cfg := setupRepos(t)
	reg, err := Load(cfg, env.Vars{}, testLogger())
	require.NoError(t, err)
	keystone, _ := reg.Get("keystone")

	files, err := FileContents(cfg, keystone)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"keystone-conf": "port={{ .keystone.port }}\n"}, files)

	renderer := NewRenderer(cfg)
	rendered := renderer.RenderFiles(files, map[string]any{"keystone": map[string]any{"port": 1}}, "keystone")
	assert.Equal(t, "port=1\n", rendered["keystone-conf"])

	// Undefined keys render empty in the lenient pass.
	rendered = renderer.RenderFiles(map[string]string{"f": "x={{ .missing }};y={{ .keystone.debug }}"},
		map[string]any{"keystone": map[string]any{"port": 1}}, "")
	assert.Equal(t, "x=;y=", rendered["f"])

	cfg.Files = map[string]string{"keystone-conf": filepath.Join(cfg.BaseDir, "override.conf")}
	writeFile(t, cfg.Files["keystone-conf"], "override")
	content, err := FileContent(cfg, keystone, "keystone-conf")
	require.NoError(t, err)
	assert.Equal(t, "override", content)
}

func TestLoadUpgrades(t *testing.T) {
	cfg := setupRepos(t)
	reg, err := Load(cfg, env.Vars{}, testLogger())
	require.NoError(t, err)

	keystone, _ := reg.Get("keystone")
	def, ok := keystone.Component.Upgrade()
	require.True(t, ok)
	assert.Equal(t, "keystone-upgrade", def.Upgrade.Name)
	require.Len(t, def.Upgrade.Steps, 2)
	assert.Equal(t, "kill-services", def.Upgrade.Steps[0].Type)
}

func TestLoadStartScript(t *testing.T) {
	cfg := setupRepos(t)
	cfg.Repositories.EntrypointRepoName = "stackctl-entrypoint"
	_, err := LoadStartScript(cfg)
	assert.Error(t, err)

	writeFile(t, filepath.Join(cfg.BaseDir, "stackctl-entrypoint", startScriptPath), "#!/usr/bin/env python\n")
	script, err := LoadStartScript(cfg)
	require.NoError(t, err)
	assert.Equal(t, "#!/usr/bin/env python\n", script)
}

func TestExportKeyAndComponentName(t *testing.T) {
	assert.Equal(t, "macrosj", ExportKey("macros_2.j2"))
	assert.Equal(t, "keystone", ComponentName("/repos/stackctl-keystone"))
	assert.Equal(t, "debian-base", ComponentName("/repos/debian-base"))
}
