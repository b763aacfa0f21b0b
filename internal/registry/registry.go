// Package registry holds the parsed component and service definitions of a run
// and resolves symbolic dependency references into qualified unit names.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/codex-k8s/stackctl/internal/validation"
)

var (
	// ErrDependencyNotFound is returned when a dependency token names neither a unit nor a service.
	ErrDependencyNotFound = errors.New("dependency not found")
	// ErrDuplicateService is returned when two definitions declare the same service name.
	ErrDuplicateService = errors.New("duplicate service definition")
)

// DefaultUpgrade is the upgrade definition key used by the driver.
const DefaultUpgrade = "default"

// Component is a source repository bundling services and optional upgrade definitions.
type Component struct {
	Name       string
	ServiceDir string
	Upgrades   map[string]UpgradeDefinition
}

// HasUpgrades reports whether the component defines any upgrade.
func (c *Component) HasUpgrades() bool {
	return c != nil && len(c.Upgrades) > 0
}

// Upgrade returns the default upgrade definition.
func (c *Component) Upgrade() (UpgradeDefinition, bool) {
	if c == nil {
		return UpgradeDefinition{}, false
	}
	def, ok := c.Upgrades[DefaultUpgrade]
	return def, ok
}

// Entry is one loaded service. Custom services carry the name of the shared
// definition they were rendered from in Alias.
type Entry struct {
	Component  *Component
	Definition *Definition
	Alias      string
}

// Name returns the service name.
func (e *Entry) Name() string {
	return e.Definition.Service.Name
}

// Export is a shared template file exported by a repository.
type Export struct {
	Name string
	Body string
}

// Registry indexes the services of a run by name.
type Registry struct {
	entries map[string]*Entry
	// owners maps every container and single job name to its owning service.
	owners   map[string]string
	resolved bool

	// Exports holds shared files keyed by their ConfigMap key.
	Exports map[string]Export
	// StartScript is the container entrypoint script shipped in a ConfigMap.
	StartScript string
}

// New indexes base definitions and custom services. The unit owner index is built
// from base definitions only, so an alias never owns a unit name.
func New(base, custom []*Entry) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*Entry, len(base)+len(custom)),
		owners:  make(map[string]string),
		Exports: make(map[string]Export),
	}
	for _, e := range base {
		if err := r.add(e); err != nil {
			return nil, err
		}
		for _, cont := range e.Definition.Service.Containers {
			r.owners[cont.Name] = e.Name()
			for _, cmd := range commandsOf(cont) {
				if cmd.IsSingle() {
					r.owners[cmd.Name] = e.Name()
				}
			}
		}
	}
	for _, e := range custom {
		if err := r.add(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) add(e *Entry) error {
	if e == nil || e.Definition == nil {
		return fmt.Errorf("registry entry without definition")
	}
	name := e.Name()
	if _, dup := r.entries[name]; dup {
		return validation.New(ErrDuplicateService, name)
	}
	r.entries[name] = e
	return nil
}

// Get returns the entry for a service.
func (r *Registry) Get(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns every service name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Owner returns the service owning a container or single job name.
func (r *Registry) Owner(unit string) (string, bool) {
	svc, ok := r.owners[unit]
	return svc, ok
}

// ServicesOf returns the services of a component, sorted.
func (r *Registry) ServicesOf(component string) []string {
	var out []string
	for _, name := range r.Names() {
		if r.entries[name].Component != nil && r.entries[name].Component.Name == component {
			out = append(out, name)
		}
	}
	return out
}

// ExpandDependency resolves one dependency token. A known unit name qualifies to
// owner/unit, with the owner remapped through mapping. Anything else is treated as
// a service name (remapped through mapping) and fans out to every container of it.
// A ":suffix" on the token is ignored.
func (r *Registry) ExpandDependency(token string, mapping map[string]string) ([]string, error) {
	name, _, _ := strings.Cut(token, ":")

	if owner, ok := r.owners[name]; ok {
		if mapped := mapping[owner]; mapped != "" {
			owner = mapped
		}
		return []string{owner + "/" + name}, nil
	}

	service := name
	if mapped := mapping[name]; mapped != "" {
		service = mapped
	}
	entry, ok := r.entries[service]
	if !ok {
		return nil, validation.Errorf(ErrDependencyNotFound, token, "no unit or service named %q", service)
	}

	containers := entry.Definition.Service.ContainerNames()
	deps := make([]string, 0, len(containers))
	for _, cont := range containers {
		deps = append(deps, service+"/"+cont)
	}
	return deps, nil
}

// ResolveDependencies rewrites the dependency list of every command of every service
// into qualified unit names. mappingFor returns the alias mapping of a service.
// Calling it more than once is a no-op.
func (r *Registry) ResolveDependencies(mappingFor func(service string) map[string]string) error {
	if r.resolved {
		return nil
	}
	for _, name := range r.Names() {
		svc := &r.entries[name].Definition.Service
		mapping := mappingFor(name)
		for i := range svc.Containers {
			cont := &svc.Containers[i]
			if err := r.resolveCommand(&cont.Daemon, mapping); err != nil {
				return fmt.Errorf("service %q container %q: %w", name, cont.Name, err)
			}
			for j := range cont.Pre {
				if err := r.resolveCommand(&cont.Pre[j], mapping); err != nil {
					return fmt.Errorf("service %q command %q: %w", name, cont.Pre[j].Name, err)
				}
			}
			for j := range cont.Post {
				if err := r.resolveCommand(&cont.Post[j], mapping); err != nil {
					return fmt.Errorf("service %q command %q: %w", name, cont.Post[j].Name, err)
				}
			}
		}
	}
	r.resolved = true
	return nil
}

func (r *Registry) resolveCommand(cmd *Command, mapping map[string]string) error {
	if len(cmd.Dependencies) == 0 {
		return nil
	}
	resolved := make([]string, 0, len(cmd.Dependencies))
	for _, dep := range cmd.Dependencies {
		expanded, err := r.ExpandDependency(dep, mapping)
		if err != nil {
			return err
		}
		resolved = append(resolved, expanded...)
	}
	cmd.Dependencies = resolved
	return nil
}

// IsJob reports whether a qualified reference service/unit names a single job.
func (r *Registry) IsJob(ref string) bool {
	service, unit, ok := strings.Cut(ref, "/")
	if !ok {
		return false
	}
	entry, found := r.entries[service]
	if !found {
		return false
	}
	for _, cont := range entry.Definition.Service.Containers {
		for _, cmd := range commandsOf(cont) {
			if cmd.IsSingle() && cmd.Name == unit {
				return true
			}
		}
	}
	return false
}

// ServiceKind returns the declared workload kind of a service, Deployment when unknown.
func (r *Registry) ServiceKind(service string) string {
	if entry, ok := r.entries[service]; ok {
		return entry.Definition.Service.DeclaredKind()
	}
	return KindDeployment
}

func commandsOf(cont Container) []Command {
	cmds := make([]Command, 0, len(cont.Pre)+len(cont.Post))
	cmds = append(cmds, cont.Pre...)
	return append(cmds, cont.Post...)
}
