// Package topology resolves node-key patterns and roles against live host names
// into the per-service host sets used for placement.
package topology

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/registry"
	"github.com/codex-k8s/stackctl/internal/validation"
)

// JobsRole is the synthetic role added to every node key; units without a more
// specific placement run on its hosts.
const JobsRole = "_stackctl_jobs"

var (
	// ErrEmptyTopology is returned when nodes or roles are not configured.
	ErrEmptyTopology = errors.New("topology is not configured")
	// ErrNotInTopology is returned for a service that no resolved role places on hosts.
	ErrNotInTopology = errors.New("service is not in topology")
	// ErrReplicasExceedHosts is returned when a replica count exceeds the matched hosts.
	ErrReplicasExceedHosts = errors.New("replicas exceed available hosts")
	// ErrDanglingReplicas is returned for replica overrides naming undeclared services.
	ErrDanglingReplicas = errors.New("replicas defined for unspecified services")
	// ErrDaemonSetReplicas is returned when a DaemonSet-like service carries a replica count.
	ErrDaemonSetReplicas = errors.New("replicas cannot be set for DaemonSet services")
)

// Topology maps a service name to the sorted, deduplicated hosts able to run it.
// It always carries a JobsRole entry.
type Topology map[string][]string

// Has reports whether service is placed by the topology.
func (t Topology) Has(service string) bool {
	_, ok := t[service]
	return ok
}

// Services returns the placed service names, sorted, without JobsRole.
func (t Topology) Services() []string {
	out := make([]string, 0, len(t))
	for name := range t {
		if name == JobsRole {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve builds the topology. Each node key is matched as a regular expression
// anchored at the start of every live host name.
func Resolve(nodes map[string]config.Node, roles map[string][]string, replicas map[string]int, hosts []string, logger *slog.Logger) (Topology, error) {
	if len(nodes) == 0 {
		return nil, validation.Errorf(ErrEmptyTopology, "nodes", "nodes section is not specified")
	}
	if len(roles) == 0 {
		return nil, validation.Errorf(ErrEmptyTopology, "roles", "roles section is not specified")
	}

	roleHosts := make(map[string][]string)
	for _, key := range sortedKeys(nodes) {
		matched, err := matchHosts(key, hosts)
		if err != nil {
			return nil, err
		}
		for _, role := range append(append([]string(nil), nodes[key].Roles...), JobsRole) {
			roleHosts[role] = append(roleHosts[role], matched...)
		}
	}

	serviceHosts := make(map[string][]string)
	for _, role := range sortedKeys(roles) {
		matched, ok := roleHosts[role]
		if !ok || len(matched) == 0 {
			logger.Warn("Role defined, but unused", "role", role)
		}
		if !ok {
			continue
		}
		for _, svc := range roles[role] {
			serviceHosts[svc] = append(serviceHosts[svc], matched...)
		}
	}

	declared := make(map[string]struct{})
	for _, svcs := range roles {
		for _, svc := range svcs {
			declared[svc] = struct{}{}
		}
	}

	pending := make(map[string]int, len(replicas))
	for svc, n := range replicas {
		pending[svc] = n
	}

	for _, svc := range sortedKeys(pending) {
		if _, isDeclared := declared[svc]; !isDeclared {
			continue
		}
		if _, placed := serviceHosts[svc]; !placed {
			return nil, validation.Errorf(ErrNotInTopology, svc, "replicas requested but no node carries its roles")
		}
	}

	for _, svc := range sortedKeys(serviceHosts) {
		n, ok := pending[svc]
		if !ok {
			continue
		}
		delete(pending, svc)
		uniq := dedupSorted(serviceHosts[svc])
		if n > len(uniq) {
			logger.Error("Requested more replicas than hosts able to run the service",
				"service", svc, "replicas", n, "hosts", strings.Join(uniq, ", "))
			return nil, validation.Errorf(ErrReplicasExceedHosts, svc, "requested %d replicas, only %d hosts", n, len(uniq))
		}
	}

	if len(pending) > 0 {
		names := sortedKeys(pending)
		return nil, validation.Errorf(ErrDanglingReplicas, strings.Join(names, ", "), "no role declares these services")
	}

	topo := make(Topology, len(serviceHosts)+1)
	for svc, hs := range serviceHosts {
		topo[svc] = dedupSorted(hs)
	}
	topo[JobsRole] = dedupSorted(roleHosts[JobsRole])
	return topo, nil
}

// ReplicasFor returns the replica count of a service. A DaemonSet-like service runs
// once per host and rejects any explicit override.
func ReplicasFor(service, kind string, overrides map[string]int, topo Topology) (int, error) {
	n, hasOverride := overrides[service]
	if kind == registry.KindDaemonSet {
		if hasOverride {
			return 0, validation.Errorf(ErrDaemonSetReplicas, service, "replica count %d declared for a DaemonSet service", n)
		}
		return len(topo[service]), nil
	}
	if hasOverride {
		return n, nil
	}
	return 1, nil
}

func matchHosts(pattern string, hosts []string) ([]string, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, validation.Errorf(config.ErrInvalidConfig, "nodes."+pattern, "invalid node pattern: %v", err)
	}
	var out []string
	for _, h := range hosts {
		if re.MatchString(h) {
			out = append(out, h)
		}
	}
	return out, nil
}

func dedupSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the topology one service per line, for logs.
func (t Topology) String() string {
	var b strings.Builder
	for _, svc := range sortedKeys(t) {
		fmt.Fprintf(&b, "%s: %s\n", svc, strings.Join(t[svc], ", "))
	}
	return b.String()
}
