// Package engine contains the high-level orchestration logic of a deployment run:
// topology, per-service objects, change routing and upgrade scheduling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/change"
	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/depgraph"
	"github.com/codex-k8s/stackctl/internal/env"
	"github.com/codex-k8s/stackctl/internal/logging"
	"github.com/codex-k8s/stackctl/internal/registry"
	"github.com/codex-k8s/stackctl/internal/topology"
	"github.com/codex-k8s/stackctl/internal/upgrade"
	"github.com/codex-k8s/stackctl/internal/validation"
	"github.com/codex-k8s/stackctl/internal/workflow"
)

var (
	// ErrUnknownService is returned when a requested service has no loaded definition.
	ErrUnknownService = errors.New("service definition not found")
	// ErrMissingUpgrade is returned when an upgrade is triggered for a component
	// without a default upgrade definition.
	ErrMissingUpgrade = errors.New("component has no default upgrade definition")
)

// Gateway is the cluster the engine talks to.
type Gateway interface {
	Apply(ctx context.Context, objs ...*unstructured.Unstructured) error
	Get(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	ListNames(ctx context.Context, kind string) ([]string, error)
}

// Engine drives deployment runs over a loaded registry.
type Engine struct {
	cfg      *config.Config
	reg      *registry.Registry
	gw       Gateway
	renderer *registry.Renderer
	vars     env.Vars
	logger   *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg *config.Config, reg *registry.Registry, gw Gateway, vars env.Vars, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		gw:       gw,
		renderer: registry.NewRenderer(cfg),
		vars:     vars,
		logger:   logger,
	}
}

// DeployRequest selects the services of a run. An empty list deploys every
// service placed in the topology.
type DeployRequest struct {
	Services []string
}

// UpgradeSummary describes an upgrade scheduled by a run.
type UpgradeSummary struct {
	Component string
	Prefix    string
	From      string
	To        string
	Services  []string
}

// Result reports what a run did.
type Result struct {
	RunID    string
	Topology topology.Topology
	Services []string
	// Applied lists Kind/name of every object handed to the gateway, in order.
	Applied  []string
	Upgrades []UpgradeSummary
}

// Topology resolves the service placement against the cluster nodes.
func (e *Engine) Topology(ctx context.Context) (topology.Topology, error) {
	hosts, err := e.gw.ListNames(ctx, "nodes")
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return topology.Resolve(e.cfg.Nodes, e.cfg.Roles, e.cfg.Replicas, hosts, e.logger)
}

// Deploy schedules the requested services. Components with upgrade definitions
// whose images changed are collected into bundles and upgraded through a
// generated job chain instead of being applied directly.
func (e *Engine) Deploy(ctx context.Context, req DeployRequest) (*Result, error) {
	logger, runID := logging.WithRun(e.logger)
	res := &Result{RunID: runID}

	topo, err := e.Topology(ctx)
	if err != nil {
		return nil, err
	}
	res.Topology = topo

	services, err := e.selectServices(req.Services, topo)
	if err != nil {
		return nil, err
	}
	res.Services = services

	records := make(map[string]workflow.Records, len(services))
	for _, name := range services {
		entry, _ := e.reg.Get(name)
		recs, err := workflow.Compile(entry.Definition)
		if err != nil {
			return nil, fmt.Errorf("compile workflow of %q: %w", name, err)
		}
		records[name] = recs
	}
	if e.cfg.Action.CheckCycles {
		all := make([]workflow.Records, 0, len(records))
		for _, name := range services {
			all = append(all, records[name])
		}
		if err := depgraph.DetectCycles(all...); err != nil {
			return nil, err
		}
	}

	shared, err := e.applyGlobals(ctx, res)
	if err != nil {
		return nil, err
	}

	// Every service is rendered and checked for image changes before anything is
	// routed, so a flagged component bundles all of its services in the run.
	planned := make(map[string][]*unstructured.Unstructured, len(services))
	bundles := make(map[string]*upgrade.Bundle)
	var bundleOrder []string
	for _, name := range services {
		entry, _ := e.reg.Get(name)
		logger.Info("Scheduling service deployment", "service", name)

		objs, err := e.scheduleService(ctx, res, entry, records[name], topo, shared)
		if err != nil {
			return nil, err
		}
		planned[name] = objs

		component := entry.Component.Name
		if _, upgrading := bundles[component]; upgrading || !entry.Component.HasUpgrades() {
			continue
		}
		diff, changed, err := change.DetectImageChange(ctx, objs, e.gw)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		from, to := change.VersionDiff(diff.Old, diff.New)
		bundles[component] = upgrade.NewBundle(entry.Component, from, to)
		bundleOrder = append(bundleOrder, component)
		logger.Info("Upgrade will be triggered",
			"component", component, "from", from, "to", to,
			"service", name, "object", diff.Object, "old_image", diff.Old, "new_image", diff.New)
	}

	for _, name := range services {
		entry, _ := e.reg.Get(name)
		if bundle, upgrading := bundles[entry.Component.Name]; upgrading {
			bundle.Add(name, planned[name])
			continue
		}
		if err := e.apply(ctx, res, planned[name]...); err != nil {
			return nil, err
		}
		logger.Info("Service successfully scheduled", "service", name)
	}

	for _, component := range bundleOrder {
		summary, err := e.scheduleUpgrade(ctx, res, bundles[component], topo)
		if err != nil {
			return nil, fmt.Errorf("upgrade component %q: %w", component, err)
		}
		res.Upgrades = append(res.Upgrades, summary)
		logger.Info("Upgrade of component successfully scheduled", "component", component, "prefix", summary.Prefix)
	}
	return res, nil
}

// selectServices returns the sorted service set of a run. Requested services must
// be placed in the topology and have a loaded definition.
func (e *Engine) selectServices(requested []string, topo topology.Topology) ([]string, error) {
	if len(requested) == 0 {
		var out []string
		for _, name := range topo.Services() {
			if _, ok := e.reg.Get(name); ok {
				out = append(out, name)
			}
		}
		return out, nil
	}

	set := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		set[name] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)

	var unplaced, unknown []string
	for _, name := range out {
		if !topo.Has(name) || name == topology.JobsRole {
			unplaced = append(unplaced, name)
		}
	}
	if len(unplaced) > 0 {
		return nil, validation.Errorf(topology.ErrNotInTopology, strings.Join(unplaced, ", "), "requested services are not defined in topology")
	}
	for _, name := range out {
		if _, ok := e.reg.Get(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, validation.Errorf(ErrUnknownService, strings.Join(unknown, ", "), "no repository defines these services")
	}
	return out, nil
}

func (e *Engine) apply(ctx context.Context, res *Result, objs ...*unstructured.Unstructured) error {
	if len(objs) == 0 {
		return nil
	}
	if err := e.gw.Apply(ctx, objs...); err != nil {
		return fmt.Errorf("apply objects: %w", err)
	}
	for _, obj := range objs {
		res.Applied = append(res.Applied, obj.GetKind()+"/"+obj.GetName())
	}
	return nil
}
