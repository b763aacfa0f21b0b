package engine

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/manifest"
	"github.com/codex-k8s/stackctl/internal/registry"
	"github.com/codex-k8s/stackctl/internal/topology"
	"github.com/codex-k8s/stackctl/internal/upgrade"
	"github.com/codex-k8s/stackctl/internal/validation"
)

// scheduleUpgrade compiles the default upgrade of a bundled component and applies
// its config artifacts and step jobs.
func (e *Engine) scheduleUpgrade(ctx context.Context, res *Result, b *upgrade.Bundle, topo topology.Topology) (UpgradeSummary, error) {
	def, ok := b.Component.Upgrade()
	if !ok {
		return UpgradeSummary{}, validation.Errorf(ErrMissingUpgrade, b.Component.Name, "expected upgrade/%s.yaml", registry.DefaultUpgrade)
	}
	plan, err := upgrade.Compile(b, def)
	if err != nil {
		return UpgradeSummary{}, err
	}
	e.logger.Info("Scheduling component upgrade", "component", b.Component.Name, "prefix", plan.Prefix)

	entry := &registry.Entry{Component: b.Component, Definition: plan.Definition}
	rawFiles, err := registry.FileContents(e.cfg, entry)
	if err != nil {
		return UpgradeSummary{}, err
	}

	workflows, err := plan.Workflows()
	if err != nil {
		return UpgradeSummary{}, err
	}
	cms, err := serviceArtifacts(plan.Prefix, b.Component.Name, rawFiles, false, nil, workflows)
	if err != nil {
		return UpgradeSummary{}, err
	}
	if err := e.apply(ctx, res, cms.files, cms.meta, cms.serviceConfig, cms.workflow); err != nil {
		return UpgradeSummary{}, err
	}

	version, err := e.configVersion(ctx, plan.Prefix, rawFiles, nil, []*unstructured.Unstructured{cms.files, cms.meta, cms.workflow})
	if err != nil {
		return UpgradeSummary{}, err
	}
	pod := manifest.Pod{
		Service:         plan.Definition.Service,
		Component:       b.Component.Name,
		ConfigVersion:   version,
		ImagePullPolicy: e.cfg.Kubernetes.ImagePullPolicy,
	}
	cont := plan.Definition.Service.Containers[0]
	jobs := make([]*unstructured.Unstructured, 0, len(cont.Pre))
	for _, cmd := range cont.Pre {
		job, err := singleJob(pod, cont, cmd, topo)
		if err != nil {
			return UpgradeSummary{}, fmt.Errorf("step %q: %w", cmd.Name, err)
		}
		jobs = append(jobs, job)
	}
	if err := e.apply(ctx, res, jobs...); err != nil {
		return UpgradeSummary{}, err
	}

	return UpgradeSummary{
		Component: b.Component.Name,
		Prefix:    plan.Prefix,
		From:      b.FromVersion,
		To:        b.ToVersion,
		Services:  append([]string(nil), b.Order...),
	}, nil
}
