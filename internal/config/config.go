// Package config contains the loader and strongly typed model for the stackctl
// deployment configuration (topology, replicas, custom services and global configs).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/codex-k8s/stackctl/internal/env"
	"github.com/codex-k8s/stackctl/internal/validation"
)

// keyDelimiter replaces viper's default "." so node patterns such as
// "node\.example\.com" do not split settings lookups.
const keyDelimiter = "::"

// ErrInvalidConfig is the sentinel wrapped by every load-time validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrServiceMappingCycle is returned when custom service mappings refer back to themselves.
var ErrServiceMappingCycle = errors.New("custom service mapping cycle")

// Config is the immutable configuration snapshot passed into every planner entry point.
type Config struct {
	// Nodes maps a node-key pattern (a regular expression anchored at the start
	// of the host name) to the roles and node-level configs of matching hosts.
	Nodes map[string]Node `yaml:"nodes"`
	// Roles maps a role name to the services it runs.
	Roles map[string][]string `yaml:"roles"`
	// Replicas optionally overrides the replica count per service.
	Replicas map[string]int `yaml:"replicas"`
	// Services declares custom services: named aliases of a shared definition.
	Services map[string]CustomService `yaml:"services"`
	// Configs is the global rendering config exposed to service definitions.
	Configs map[string]any `yaml:"configs"`
	// SecretConfigs is merged over Configs for rendering and stored in a Secret.
	SecretConfigs map[string]any `yaml:"secret_configs"`
	// Files overrides service file sources by file name.
	Files map[string]string `yaml:"files"`
	// EnvFiles lists .env files loaded into the "env" rendering key.
	EnvFiles []string `yaml:"env_files"`
	// Kubernetes holds cluster connection and object settings.
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	// Registry holds image registry credentials.
	Registry RegistryConfig `yaml:"registry"`
	// Repositories describes where component repositories live and how to fetch them.
	Repositories RepositoriesConfig `yaml:"repositories"`
	// Ingress configures ingress objects for exposed ports.
	Ingress IngressConfig `yaml:"ingress"`
	// Action holds per-run behavior toggles.
	Action ActionConfig `yaml:"action"`
	// Log configures logging.
	Log LogConfig `yaml:"log"`

	// BaseDir is the directory of the loaded config file.
	BaseDir string `yaml:"-"`
}

// Node describes the roles and configs attached to hosts matching a node key.
type Node struct {
	Roles   []string       `yaml:"roles"`
	Configs map[string]any `yaml:"configs"`
}

// CustomService is an alias of a shared service definition with its own name and config overlay.
type CustomService struct {
	// ServiceDef names the shared service definition to render.
	ServiceDef string `yaml:"service_def"`
	// Configs overlays the service-level rendering config.
	Configs map[string]any `yaml:"configs"`
	// Mapping remaps referenced service names to other (custom) services.
	Mapping map[string]string `yaml:"mapping"`
}

// KubernetesConfig holds cluster settings.
type KubernetesConfig struct {
	Namespace       string              `yaml:"namespace" mapstructure:"namespace"`
	ClusterDomain   string              `yaml:"cluster_domain" mapstructure:"cluster_domain"`
	Kubeconfig      string              `yaml:"kubeconfig" mapstructure:"kubeconfig"`
	Context         string              `yaml:"context" mapstructure:"context"`
	ImagePullPolicy string              `yaml:"image_pull_policy" mapstructure:"image_pull_policy"`
	AppController   AppControllerConfig `yaml:"appcontroller" mapstructure:"appcontroller"`
}

// AppControllerConfig toggles object-level dependency tracking.
type AppControllerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// RegistryConfig holds the image registry address and pull credentials.
type RegistryConfig struct {
	Address  string `yaml:"address" mapstructure:"address"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// RepositoriesConfig describes component repositories.
type RepositoriesConfig struct {
	// Path is the directory holding cloned repositories.
	Path string `yaml:"path" mapstructure:"path"`
	// Names lists the component repositories in deployment scope.
	Names []string `yaml:"names" mapstructure:"names"`
	// URLTemplate builds a clone URL; "{name}" is replaced by the repository name.
	URLTemplate string `yaml:"url_template" mapstructure:"url_template"`
	// URLs overrides the clone URL per repository.
	URLs map[string]string `yaml:"urls" mapstructure:"-"`
	// CloneConcurrency bounds parallel clones.
	CloneConcurrency int `yaml:"clone_concurrency" mapstructure:"clone_concurrency"`
	// EntrypointRepoName is the repository carrying the container start script.
	EntrypointRepoName string `yaml:"entrypoint_repo_name" mapstructure:"entrypoint_repo_name"`
}

// IngressConfig configures ingress host names.
type IngressConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Domain  string `yaml:"domain" mapstructure:"domain"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

// ActionConfig holds per-run behavior toggles.
type ActionConfig struct {
	// DryRun pins config versions to a sentinel and skips namespace creation.
	DryRun bool `yaml:"dry_run" mapstructure:"dry_run"`
	// ExportDir writes objects to files instead of applying them.
	ExportDir string `yaml:"export_dir" mapstructure:"export_dir"`
	// Components restricts the run to the listed services.
	Components []string `yaml:"components" mapstructure:"components"`
	// CheckCycles rejects cyclic unit dependencies before anything is applied.
	CheckCycles bool `yaml:"check_cycles" mapstructure:"check_cycles"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// LoadOptions carries per-run overrides applied before validation.
type LoadOptions struct {
	// DryRun forces action.dry_run on.
	DryRun bool
	// ExportDir overrides action.export_dir when set.
	ExportDir string
	// SkipCycleCheck turns action.check_cycles off.
	SkipCycleCheck bool
}

// settings are the scalar sections viper owns: defaults plus STACKCTL_* overrides.
// Maps keyed by user data (nodes, configs, services, ...) are decoded with yaml.v3
// only, since viper lowercases map keys.
type settings struct {
	Kubernetes   KubernetesConfig   `mapstructure:"kubernetes"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Repositories RepositoriesConfig `mapstructure:"repositories"`
	Ingress      IngressConfig      `mapstructure:"ingress"`
	Action       ActionConfig       `mapstructure:"action"`
	Log          LogConfig          `mapstructure:"log"`
}

// LoadConfig loads configuration from file and STACKCTL_* environment overrides,
// applies opts and validates the result once.
func LoadConfig(path string, opts LoadOptions) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
		if abs, err := filepath.Abs(path); err == nil {
			baseDir = filepath.Dir(abs)
		}
	}
	cfg.BaseDir = baseDir

	s, err := loadSettings(path)
	if err != nil {
		return nil, err
	}
	urls := cfg.Repositories.URLs
	cfg.Kubernetes = s.Kubernetes
	cfg.Registry = s.Registry
	cfg.Repositories = s.Repositories
	cfg.Repositories.URLs = urls
	cfg.Ingress = s.Ingress
	cfg.Action = s.Action
	cfg.Log = s.Log

	if opts.DryRun {
		cfg.Action.DryRun = true
	}
	if opts.ExportDir != "" {
		cfg.Action.ExportDir = opts.ExportDir
	}
	if opts.SkipCycleCheck {
		cfg.Action.CheckCycles = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadSettings(path string) (settings, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))

	v.SetDefault("kubernetes::namespace", "stackctl")
	v.SetDefault("kubernetes::cluster_domain", "cluster.local")
	v.SetDefault("kubernetes::image_pull_policy", "Always")
	v.SetDefault("kubernetes::appcontroller::enabled", false)
	v.SetDefault("repositories::path", "./repos")
	v.SetDefault("repositories::clone_concurrency", 8)
	v.SetDefault("repositories::entrypoint_repo_name", "stackctl-entrypoint")
	v.SetDefault("ingress::enabled", false)
	v.SetDefault("ingress::domain", "external")
	v.SetDefault("ingress::port", 8443)
	v.SetDefault("action::check_cycles", true)
	v.SetDefault("log::level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	v.SetEnvPrefix("STACKCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("unmarshal config settings: %w", err)
	}
	return s, nil
}

// Validate checks structural constraints that do not depend on live cluster state.
func (c *Config) Validate() error {
	for _, key := range sortedKeys(c.Nodes) {
		if _, err := regexp.Compile(key); err != nil {
			return validation.Errorf(ErrInvalidConfig, "nodes."+key, "invalid node pattern: %v", err)
		}
	}
	for _, svc := range sortedKeys(c.Replicas) {
		if c.Replicas[svc] < 1 {
			return validation.Errorf(ErrInvalidConfig, "replicas."+svc, "replica count must be positive, got %d", c.Replicas[svc])
		}
	}
	for _, name := range sortedKeys(c.Services) {
		if strings.TrimSpace(c.Services[name].ServiceDef) == "" {
			return validation.Errorf(ErrInvalidConfig, "services."+name, "service_def is required")
		}
	}
	if c.Repositories.CloneConcurrency < 1 {
		return validation.Errorf(ErrInvalidConfig, "repositories.clone_concurrency", "must be at least 1")
	}
	return nil
}

// DryRun reports whether live config versions must be pinned to a sentinel.
func (c *Config) DryRun() bool {
	return c.Action.DryRun || c.Action.ExportDir != ""
}

// RepositoryRoot returns the directory holding cloned repositories. Relative paths
// are resolved against the config file directory.
func (c *Config) RepositoryRoot() string {
	root := c.Repositories.Path
	if !filepath.IsAbs(root) && c.BaseDir != "" {
		root = filepath.Join(c.BaseDir, root)
	}
	return root
}

// RepositoryPaths returns the on-disk path of every configured repository.
func (c *Config) RepositoryPaths() []string {
	root := c.RepositoryRoot()
	paths := make([]string, 0, len(c.Repositories.Names))
	for _, name := range c.Repositories.Names {
		paths = append(paths, filepath.Join(root, name))
	}
	return paths
}

// RepositoryURL returns the clone URL for a repository.
func (c *Config) RepositoryURL(name string) string {
	if u, ok := c.Repositories.URLs[name]; ok && u != "" {
		return u
	}
	return strings.ReplaceAll(c.Repositories.URLTemplate, "{name}", name)
}

// CustomServicesOf returns the custom services rendered from the given definition, sorted.
func (c *Config) CustomServicesOf(serviceDef string) []string {
	var out []string
	for name, svc := range c.Services {
		if svc.ServiceDef == serviceDef {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Mapping returns the service-name mapping of a custom service (nil for plain services).
func (c *Config) Mapping(service string) map[string]string {
	return c.Services[service].Mapping
}

// ServiceConfigs returns the config overlay of a service: its own configs followed by
// the configs of every service it maps to, transitively.
func (c *Config) ServiceConfigs(service string) (map[string]any, error) {
	out := make(map[string]any)
	visiting := make(map[string]struct{})

	var extend func(name string) error
	extend = func(name string) error {
		if _, seen := visiting[name]; seen {
			return validation.Errorf(ErrServiceMappingCycle, name, "mapping refers back to %q", name)
		}
		visiting[name] = struct{}{}
		defer delete(visiting, name)

		svc := c.Services[name]
		MergeMaps(out, svc.Configs)
		for _, key := range sortedKeys(svc.Mapping) {
			if err := extend(svc.Mapping[key]); err != nil {
				return err
			}
		}
		return nil
	}

	if err := extend(service); err != nil {
		return nil, err
	}
	return out, nil
}

// RenderingContext returns a fresh copy of the global configs merged with the secret
// configs, plus the loaded environment variables under "env".
func (c *Config) RenderingContext(vars env.Vars) map[string]any {
	ctx := make(map[string]any)
	MergeMaps(ctx, c.Configs)
	MergeMaps(ctx, c.SecretConfigs)
	ctx["env"] = vars.AsContext()
	return ctx
}

// NodeConfigs returns node-level configs keyed by node pattern, for nodes that define any.
func (c *Config) NodeConfigs() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for key, node := range c.Nodes {
		if len(node.Configs) > 0 {
			out[key] = node.Configs
		}
	}
	return out
}

// MergeMaps deep-merges src into dst. Nested maps are merged, other values replaced.
func MergeMaps(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		switch {
		case srcIsMap && dstIsMap:
			MergeMaps(dstMap, srcMap)
		case srcIsMap:
			copied := make(map[string]any, len(srcMap))
			MergeMaps(copied, srcMap)
			dst[k] = copied
		default:
			dst[k] = v
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
