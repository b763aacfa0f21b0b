package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/codex-k8s/stackctl/internal/validation"
	"github.com/codex-k8s/stackctl/internal/workflow"
)

// Dependencies returns the services the given services need, transitively,
// excluding the given services themselves.
func (e *Engine) Dependencies(services []string) ([]string, error) {
	requested := make(map[string]struct{}, len(services))
	for _, name := range services {
		if _, ok := e.reg.Get(name); !ok {
			return nil, validation.Errorf(ErrUnknownService, name, "no repository defines this service")
		}
		requested[name] = struct{}{}
	}

	visited := make(map[string]struct{})
	queue := append([]string(nil), services...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, seen := visited[name]; seen {
			continue
		}
		visited[name] = struct{}{}

		entry, ok := e.reg.Get(name)
		if !ok {
			continue
		}
		records, err := workflow.Compile(entry.Definition)
		if err != nil {
			return nil, fmt.Errorf("compile workflow of %q: %w", name, err)
		}
		for _, edge := range workflow.Edges(records) {
			dep, _, _ := strings.Cut(edge[1], "/")
			if _, seen := visited[dep]; !seen {
				queue = append(queue, dep)
			}
		}
	}

	var out []string
	for name := range visited {
		if _, ok := requested[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ServiceStatus tells whether a defined service has a workload in the cluster.
type ServiceStatus struct {
	Service   string
	Component string
	Deployed  bool
}

// Status lists every defined service with its deployment state, sorted by name.
func (e *Engine) Status(ctx context.Context) ([]ServiceStatus, error) {
	deployed := make(map[string]struct{})
	for _, kind := range []string{"deployments", "statefulsets"} {
		names, err := e.gw.ListNames(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		for _, name := range names {
			deployed[name] = struct{}{}
		}
	}

	names := e.reg.Names()
	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		entry, _ := e.reg.Get(name)
		_, ok := deployed[name]
		out = append(out, ServiceStatus{Service: name, Component: entry.Component.Name, Deployed: ok})
	}
	return out, nil
}
