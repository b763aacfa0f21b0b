package registry

import "strings"

// Command types.
const (
	// CommandLocal runs inline inside the owning container's startup sequence.
	CommandLocal = "local"
	// CommandSingle is materialized as an independently scheduled job.
	CommandSingle = "single"
)

// Workload kinds a service may declare.
const (
	KindDeployment  = "Deployment"
	KindDaemonSet   = "DaemonSet"
	KindStatefulSet = "StatefulSet"
)

// Definition is a parsed service definition file.
type Definition struct {
	Service Service           `yaml:"service"`
	Files   map[string]File   `yaml:"files,omitempty"`
	Secrets map[string]Secret `yaml:"secrets,omitempty"`
}

// Service describes a deployable unit composed of one or more containers.
type Service struct {
	Name         string      `yaml:"name"`
	Kind         string      `yaml:"kind,omitempty"`
	Containers   []Container `yaml:"containers"`
	Ports        []Port      `yaml:"ports,omitempty"`
	Annotations  Annotations `yaml:"annotations,omitempty"`
	Strategy     string      `yaml:"strategy,omitempty"`
	HostNetwork  bool        `yaml:"hostNetwork,omitempty"`
	AntiAffinity string      `yaml:"antiAffinity,omitempty"`
	Headless     bool        `yaml:"headless,omitempty"`
}

// Annotations holds pod- and service-level annotations.
type Annotations struct {
	Pod     map[string]string `yaml:"pod,omitempty"`
	Service map[string]string `yaml:"service,omitempty"`
}

// Port exposes a container port, optionally as a node port or through ingress.
type Port struct {
	Cont    int    `yaml:"cont"`
	Node    int    `yaml:"node,omitempty"`
	Ingress string `yaml:"ingress,omitempty"`
}

// Container is one container of a service with its command sequences.
type Container struct {
	Name   string    `yaml:"name"`
	Image  string    `yaml:"image"`
	Daemon Command   `yaml:"daemon"`
	Pre    []Command `yaml:"pre,omitempty"`
	Post   []Command `yaml:"post,omitempty"`
	Probes Probes    `yaml:"probes,omitempty"`
}

// Probes holds probe commands for the daemon.
type Probes struct {
	Readiness string `yaml:"readiness,omitempty"`
	Liveness  string `yaml:"liveness,omitempty"`
}

// Command is a pre, post or daemon command of a container.
type Command struct {
	Name         string   `yaml:"name,omitempty"`
	Type         string   `yaml:"type,omitempty"`
	Command      string   `yaml:"command"`
	User         string   `yaml:"user,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty"`
	// Files references entries of the definition's files block by name.
	Files []string `yaml:"files,omitempty"`
	// TopologyKey places a single job on the hosts of the named topology entry.
	TopologyKey string `yaml:"topology_key,omitempty"`
}

// EffectiveType returns the command type, defaulting to local.
func (c Command) EffectiveType() string {
	if strings.TrimSpace(c.Type) == "" {
		return CommandLocal
	}
	return c.Type
}

// IsSingle reports whether the command is materialized as its own job.
func (c Command) IsSingle() bool {
	return c.EffectiveType() == CommandSingle
}

// File is a file attachment rendered into the files ConfigMap.
type File struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
	Perm    string `yaml:"perm,omitempty"`
	User    string `yaml:"user,omitempty"`
}

// Secret is a secret object mounted into the service pods.
type Secret struct {
	Path   string            `yaml:"path"`
	Type   string            `yaml:"type,omitempty"`
	Data   map[string]string `yaml:"data,omitempty"`
	Secret SecretRef         `yaml:"secret"`
}

// SecretRef names the Kubernetes secret.
type SecretRef struct {
	SecretName string `yaml:"secretName"`
}

// UpgradeDefinition is a parsed upgrade/<name>.yaml file of a component.
type UpgradeDefinition struct {
	Upgrade Upgrade         `yaml:"upgrade"`
	Files   map[string]File `yaml:"files,omitempty"`
}

// Upgrade is an ordered list of abstract upgrade steps run from one image.
type Upgrade struct {
	Name  string        `yaml:"name"`
	Image string        `yaml:"image"`
	Steps []UpgradeStep `yaml:"steps"`
}

// UpgradeStep is one step of an upgrade. Type defaults to "single".
type UpgradeStep struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type,omitempty"`
	Command     string   `yaml:"command,omitempty"`
	User        string   `yaml:"user,omitempty"`
	Files       []string `yaml:"files,omitempty"`
	TopologyKey string   `yaml:"topology_key,omitempty"`
	// Services targets rolling-upgrade and kill-services steps; nil means every
	// service of the upgrade bundle.
	Services []string `yaml:"services,omitempty"`
}

// DeclaredKind returns the service kind, defaulting to Deployment.
func (s Service) DeclaredKind() string {
	if s.Kind == "" {
		return KindDeployment
	}
	return s.Kind
}

// IsDaemonSet reports whether the service is placed on every matching host.
func (s Service) IsDaemonSet() bool {
	return s.Kind == KindDaemonSet
}

// ContainerNames returns the container names in declared order.
func (s Service) ContainerNames() []string {
	names := make([]string, 0, len(s.Containers))
	for _, c := range s.Containers {
		names = append(names, c.Name)
	}
	return names
}
