package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/env"
)

const (
	repoNamePrefix = "stackctl-"
	serviceDirName = "service"
	upgradeDirName = "upgrade"
	filesDirName   = "files"
	exportsDirName = "exports"

	startScriptPath = "entrypoint/start_script.py"
)

// ComponentName derives the component name from a repository path.
func ComponentName(repoPath string) string {
	return strings.TrimPrefix(filepath.Base(repoPath), repoNamePrefix)
}

// Load reads every repository of cfg, renders its service definitions against the
// rendering context and indexes them. Custom services are rendered once more from
// the shared definition with their own config overlay and name. Dependencies are
// resolved before Load returns.
func Load(cfg *config.Config, vars env.Vars, logger *slog.Logger) (*Registry, error) {
	renderer := NewRenderer(cfg)
	var base, custom []*Entry
	exports := make(map[string]*exportParts)

	for _, repo := range cfg.RepositoryPaths() {
		serviceDir := filepath.Join(repo, serviceDirName)
		if info, err := os.Stat(serviceDir); err != nil || !info.IsDir() {
			logger.Debug("Repository has no service directory", "repo", repo)
			if err := collectExports(repo, exports); err != nil {
				return nil, err
			}
			continue
		}

		component := &Component{
			Name:       ComponentName(repo),
			ServiceDir: serviceDir,
		}
		upgrades, err := loadUpgrades(filepath.Join(serviceDir, upgradeDirName))
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", component.Name, err)
		}
		component.Upgrades = upgrades

		files, err := yamlFiles(serviceDir)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", component.Name, err)
		}
		for _, path := range files {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read service definition %q: %w", path, err)
			}

			logger.Debug("Rendering service definition", "file", path)
			def, err := renderDefinition(renderer, path, raw, cfg.RenderingContext(vars), "")
			if err != nil {
				return nil, err
			}
			base = append(base, &Entry{Component: component, Definition: def})

			for _, name := range cfg.CustomServicesOf(def.Service.Name) {
				logger.Debug("Rendering custom service", "file", path, "service", name)
				ctx := cfg.RenderingContext(vars)
				overlay, err := cfg.ServiceConfigs(name)
				if err != nil {
					return nil, err
				}
				config.MergeMaps(ctx, overlay)

				customDef, err := renderDefinition(renderer, path, raw, ctx, name)
				if err != nil {
					return nil, err
				}
				customDef.Service.Name = name
				custom = append(custom, &Entry{Component: component, Definition: customDef, Alias: def.Service.Name})
			}
		}

		if err := collectExports(repo, exports); err != nil {
			return nil, err
		}
	}

	reg, err := New(base, custom)
	if err != nil {
		return nil, err
	}
	reg.Exports = mergeExports(exports)

	if err := reg.ResolveDependencies(cfg.Mapping); err != nil {
		return nil, err
	}
	return reg, nil
}

func renderDefinition(renderer *Renderer, path string, raw []byte, ctx map[string]any, current string) (*Definition, error) {
	rendered, err := renderer.Render(path, raw, ctx, current)
	if err != nil {
		return nil, fmt.Errorf("render service definition: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(rendered, &def); err != nil {
		return nil, fmt.Errorf("parse service definition %q: %w", path, err)
	}
	if strings.TrimSpace(def.Service.Name) == "" {
		return nil, fmt.Errorf("service definition %q has no service name", path)
	}
	return &def, nil
}

func loadUpgrades(dir string) (map[string]UpgradeDefinition, error) {
	files, err := yamlFiles(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	upgrades := make(map[string]UpgradeDefinition, len(files))
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read upgrade definition %q: %w", path, err)
		}
		var def UpgradeDefinition
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("parse upgrade definition %q: %w", path, err)
		}
		upgrades[strings.TrimSuffix(filepath.Base(path), ".yaml")] = def
	}
	return upgrades, nil
}

// yamlFiles lists the *.yaml files directly inside dir, sorted.
func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

type exportParts struct {
	name   string
	bodies []string
}

func collectExports(repo string, exports map[string]*exportParts) error {
	dir := filepath.Join(repo, exportsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read exports %q: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read export %q: %w", e.Name(), err)
		}
		key := ExportKey(e.Name())
		parts, ok := exports[key]
		if !ok {
			parts = &exportParts{name: e.Name()}
			exports[key] = parts
		}
		parts.bodies = append(parts.bodies, string(body))
	}
	return nil
}

func mergeExports(exports map[string]*exportParts) map[string]Export {
	out := make(map[string]Export, len(exports))
	for key, parts := range exports {
		sort.Strings(parts.bodies)
		out[key] = Export{Name: parts.name, Body: strings.Join(parts.bodies, "\n")}
	}
	return out
}

// ExportKey strips every non-letter from a file name, producing a valid ConfigMap key.
func ExportKey(fileName string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return r
		}
		return -1
	}, fileName)
}

// LoadStartScript reads the container start script from the entrypoint repository.
func LoadStartScript(cfg *config.Config) (string, error) {
	path := filepath.Join(cfg.RepositoryRoot(), cfg.Repositories.EntrypointRepoName, startScriptPath)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read start script %q: %w", path, err)
	}
	return string(raw), nil
}

// FileContent returns the source of a definition file. A top-level files override
// in the config replaces the file shipped with the component.
func FileContent(cfg *config.Config, entry *Entry, name string) (string, error) {
	f, ok := entry.Definition.Files[name]
	if !ok {
		return "", fmt.Errorf("service %q has no file %q", entry.Name(), name)
	}
	path := cfg.Files[name]
	if path == "" {
		path = filepath.Join(entry.Component.ServiceDir, filesDirName, f.Content)
	} else if !filepath.IsAbs(path) && cfg.BaseDir != "" {
		path = filepath.Join(cfg.BaseDir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file %q of service %q: %w", name, entry.Name(), err)
	}
	return string(raw), nil
}

// FileContents returns the source of every definition file keyed by file name.
func FileContents(cfg *config.Config, entry *Entry) (map[string]string, error) {
	out := make(map[string]string, len(entry.Definition.Files))
	for name := range entry.Definition.Files {
		content, err := FileContent(cfg, entry, name)
		if err != nil {
			return nil, err
		}
		out[name] = content
	}
	return out, nil
}

// RenderFiles renders file sources against ctx with undefined keys tolerated.
func (r *Renderer) RenderFiles(files map[string]string, ctx map[string]any, current string) map[string]string {
	out := make(map[string]string, len(files))
	for name, content := range files {
		out[name] = r.RenderLenient(name, []byte(content), ctx, current)
	}
	return out
}
