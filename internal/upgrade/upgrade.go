// Package upgrade compiles a component's upgrade definition into a strictly
// linear chain of workflow steps run as jobs.
package upgrade

import (
	"encoding/json"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/manifest"
	"github.com/codex-k8s/stackctl/internal/registry"
	"github.com/codex-k8s/stackctl/internal/validation"
	"github.com/codex-k8s/stackctl/internal/workflow"
)

// Step kinds.
const (
	StepSingle         = "single"
	StepRollingUpgrade = "rolling-upgrade"
	StepKillServices   = "kill-services"
)

var (
	// ErrUnsupportedStep is returned for a step kind the orchestrator cannot run.
	ErrUnsupportedStep = errors.New("unsupported upgrade step type")
	// ErrUnknownService is returned when a step targets a service outside the bundle.
	ErrUnknownService = errors.New("service is not part of the upgrade bundle")
)

// Bundle holds the objects of every service of a component deferred for upgrade.
type Bundle struct {
	Component   *registry.Component
	FromVersion string
	ToVersion   string
	Services    map[string][]*unstructured.Unstructured
	// Order lists services in the order they joined the bundle.
	Order []string
}

// NewBundle starts an empty bundle for component.
func NewBundle(component *registry.Component, from, to string) *Bundle {
	return &Bundle{
		Component:   component,
		FromVersion: from,
		ToVersion:   to,
		Services:    make(map[string][]*unstructured.Unstructured),
	}
}

// Add defers the objects of a service into the bundle.
func (b *Bundle) Add(service string, objs []*unstructured.Unstructured) {
	if _, ok := b.Services[service]; !ok {
		b.Order = append(b.Order, service)
	}
	b.Services[service] = append(b.Services[service], objs...)
}

// Record is the workflow of one upgrade step. Exactly one of Job, Roll or Kill is set.
type Record struct {
	Name         string
	Dependencies []string
	Files        []workflow.FileRef
	Job          *workflow.Step
	Roll         []*unstructured.Unstructured
	Kill         []*unstructured.Unstructured
}

// MarshalJSON encodes the record as {"workflow": {...}} with sorted keys.
func (r Record) MarshalJSON() ([]byte, error) {
	deps := r.Dependencies
	if deps == nil {
		deps = []string{}
	}
	wf := map[string]any{
		"name":         r.Name,
		"dependencies": deps,
	}
	if len(r.Files) > 0 {
		wf["files"] = r.Files
	}
	switch {
	case r.Job != nil:
		wf["job"] = r.Job
	case r.Roll != nil:
		wf["roll"] = objectPayloads(r.Roll)
	case r.Kill != nil:
		wf["kill"] = objectPayloads(r.Kill)
	}
	return json.Marshal(map[string]any{"workflow": wf})
}

func objectPayloads(objs []*unstructured.Unstructured) []map[string]any {
	out := make([]map[string]any, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj.Object)
	}
	return out
}

// Plan is a compiled upgrade.
type Plan struct {
	// Prefix is <upgrade name>-<from version>-<to version>.
	Prefix string
	// Definition is the synthetic service whose single container carries every
	// step as a single pre command.
	Definition *registry.Definition
	// Steps lists the step records in execution order.
	Steps []Record
	// StepNames lists the step keys matching Steps.
	StepNames []string
}

// Compile turns def into a linear plan over the objects in b.
func Compile(b *Bundle, def registry.UpgradeDefinition) (*Plan, error) {
	up := def.Upgrade
	prefix := fmt.Sprintf("%s-%s-%s", up.Name, b.FromVersion, b.ToVersion)

	container := registry.Container{Name: prefix, Image: up.Image}
	for _, step := range up.Steps {
		container.Pre = append(container.Pre, registry.Command{
			Name:        step.Name,
			Type:        registry.CommandSingle,
			Command:     step.Command,
			User:        step.User,
			Files:       step.Files,
			TopologyKey: step.TopologyKey,
		})
	}
	synthetic := &registry.Definition{
		Service: registry.Service{Name: prefix, Containers: []registry.Container{container}},
		Files:   def.Files,
	}

	jobs := make(workflow.Records)
	if err := workflow.CompileContainer(jobs, prefix, container, def.Files); err != nil {
		return nil, fmt.Errorf("upgrade %q: %w", prefix, err)
	}

	plan := &Plan{Prefix: prefix, Definition: synthetic}
	var lastDeps []string
	for _, step := range up.Steps {
		name := prefix + "-" + step.Name
		rec := Record{Name: name, Dependencies: lastDeps}
		lastDeps = []string{name}

		switch stepType(step) {
		case StepSingle:
			job := jobs[step.Name]
			rec.Job = &job.Job
			rec.Files = job.Files
		case StepRollingUpgrade:
			objs, err := b.objectsOf(step)
			if err != nil {
				return nil, err
			}
			rec.Roll = objs
		case StepKillServices:
			objs, err := b.objectsOf(step)
			if err != nil {
				return nil, err
			}
			rec.Kill = make([]*unstructured.Unstructured, 0, len(objs))
			for _, obj := range objs {
				if obj.GetKind() == manifest.KindDeployment {
					rec.Kill = append(rec.Kill, obj)
				}
			}
		default:
			return nil, validation.Errorf(ErrUnsupportedStep, prefix+"/"+step.Name, "type %q", step.Type)
		}

		plan.Steps = append(plan.Steps, rec)
		plan.StepNames = append(plan.StepNames, step.Name)
	}
	return plan, nil
}

func stepType(step registry.UpgradeStep) string {
	if step.Type == "" {
		return StepSingle
	}
	return step.Type
}

// objectsOf returns the objects of the services a step targets, defaulting to
// every bundled service in bundle order.
func (b *Bundle) objectsOf(step registry.UpgradeStep) ([]*unstructured.Unstructured, error) {
	services := step.Services
	if services == nil {
		services = b.Order
	}
	out := make([]*unstructured.Unstructured, 0)
	for _, svc := range services {
		objs, ok := b.Services[svc]
		if !ok {
			return nil, validation.Errorf(ErrUnknownService, step.Name, "service %q", svc)
		}
		out = append(out, objs...)
	}
	return out, nil
}

// Workflows serializes the plan for its workflow ConfigMap: one entry per step
// plus an empty entry for the synthetic container.
func (p *Plan) Workflows() (map[string]string, error) {
	out := map[string]string{p.Prefix: ""}
	for i, rec := range p.Steps {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode upgrade step %q: %w", p.StepNames[i], err)
		}
		out[p.StepNames[i]] = string(raw)
	}
	return out, nil
}
