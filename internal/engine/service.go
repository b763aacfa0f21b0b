package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/change"
	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/depgraph"
	"github.com/codex-k8s/stackctl/internal/manifest"
	"github.com/codex-k8s/stackctl/internal/registry"
	"github.com/codex-k8s/stackctl/internal/topology"
	"github.com/codex-k8s/stackctl/internal/validation"
	"github.com/codex-k8s/stackctl/internal/workflow"
)

// filesPlaceholder keeps the files ConfigMap non-empty for services without files.
const filesPlaceholder = "placeholder"

// serviceConfigMaps are the per-service config artifacts, applied ahead of the
// service objects so their live versions feed the config version.
type serviceConfigMaps struct {
	files, meta, serviceConfig, workflow *unstructured.Unstructured
}

// scheduleService applies the config artifacts of a service and returns the
// objects that run it, in apply order.
func (e *Engine) scheduleService(
	ctx context.Context,
	res *Result,
	entry *registry.Entry,
	records workflow.Records,
	topo topology.Topology,
	shared []*unstructured.Unstructured,
) ([]*unstructured.Unstructured, error) {
	def := entry.Definition
	svc := def.Service
	component := entry.Component.Name
	if !topo.Has(svc.Name) {
		return nil, validation.Errorf(topology.ErrNotInTopology, svc.Name, "service is not placed on any host")
	}

	rawFiles, err := registry.FileContents(e.cfg, entry)
	if err != nil {
		return nil, err
	}
	serviceConfigs, err := e.cfg.ServiceConfigs(svc.Name)
	if err != nil {
		return nil, err
	}
	workflows, err := workflow.Serialize(records)
	if err != nil {
		return nil, err
	}
	cms, err := serviceArtifacts(svc.Name, component, rawFiles, svc.HostNetwork, serviceConfigs, workflows)
	if err != nil {
		return nil, err
	}
	if err := e.apply(ctx, res, cms.files, cms.meta, cms.serviceConfig, cms.workflow); err != nil {
		return nil, err
	}

	objs := manifest.Secrets(def.Secrets)
	if e.cfg.Kubernetes.AppController.Enabled {
		objs = append(objs, depgraph.Build(records, e.reg)...)
	}

	versioned := append(append([]*unstructured.Unstructured{}, shared...), cms.files, cms.meta, cms.workflow)
	version, err := e.configVersion(ctx, svc.Name, rawFiles, serviceConfigs, versioned)
	if err != nil {
		return nil, err
	}

	pod := manifest.Pod{
		Service:         svc,
		Component:       component,
		ConfigVersion:   version,
		ImagePullPolicy: e.cfg.Kubernetes.ImagePullPolicy,
		Secrets:         def.Secrets,
	}
	for _, cont := range svc.Containers {
		for _, cmd := range append(append([]registry.Command{}, cont.Pre...), cont.Post...) {
			if !cmd.IsSingle() {
				continue
			}
			job, err := singleJob(pod, cont, cmd, topo)
			if err != nil {
				return nil, err
			}
			objs = append(objs, job)
		}
	}

	affinity, err := manifest.Affinity(svc.Name, topo[svc.Name], svc.AntiAffinity != "")
	if err != nil {
		return nil, err
	}
	pod.Annotations, err = manifest.PodAnnotations(svc.Name, svc.Annotations.Pod, affinity)
	if err != nil {
		return nil, err
	}
	if svc.IsDaemonSet() {
		e.logger.Warn("Deployment is being used instead of DaemonSet to support updates", "service", svc.Name)
	}
	replicas, err := topology.ReplicasFor(svc.Name, svc.DeclaredKind(), e.cfg.Replicas, topo)
	if err != nil {
		return nil, err
	}
	objs = append(objs, manifest.Workload(pod, replicas))

	if len(svc.Ports) > 0 {
		objs = append(objs, manifest.Service(svc, component))
		if e.cfg.Ingress.Enabled {
			if rules := manifest.IngressRules(svc, e.cfg.Ingress.Domain); len(rules) > 0 {
				objs = append(objs, manifest.Ingress(svc.Name, component, rules))
			}
		}
	}
	return objs, nil
}

// serviceArtifacts builds the files, meta, service-config and workflow ConfigMaps of a service.
func serviceArtifacts(
	name, component string,
	rawFiles map[string]string,
	hostNetwork bool,
	serviceConfigs map[string]any,
	workflows map[string]string,
) (serviceConfigMaps, error) {
	labels := manifest.Labels(component, name)

	files := make(map[string]string, len(rawFiles)+1)
	for k, v := range rawFiles {
		files[k] = v
	}
	files[filesPlaceholder] = ""

	meta, err := json.Marshal(map[string]any{"service-name": name, "host-net": hostNetwork})
	if err != nil {
		return serviceConfigMaps{}, fmt.Errorf("encode meta of %q: %w", name, err)
	}
	svcConfig, err := jsonObject(serviceConfigs)
	if err != nil {
		return serviceConfigMaps{}, fmt.Errorf("encode service configs of %q: %w", name, err)
	}

	return serviceConfigMaps{
		files: manifest.WithLabels(manifest.ConfigMap(manifest.ServiceObjectName(name, manifest.FilesSuffix), files), labels),
		meta: manifest.WithLabels(manifest.ConfigMap(manifest.ServiceObjectName(name, manifest.MetaSuffix),
			map[string]string{manifest.MetaSuffix: string(meta)}), labels),
		serviceConfig: manifest.WithLabels(manifest.ConfigMap(manifest.ServiceObjectName(name, manifest.ServiceConfigSuffix),
			map[string]string{manifest.ServiceConfigSuffix: svcConfig}), labels),
		workflow: manifest.WithLabels(manifest.ConfigMap(manifest.ServiceObjectName(name, manifest.WorkflowSuffix), workflows), labels),
	}, nil
}

// configVersion combines the live versions of the config artifacts with the hash
// of the service files rendered against the full service context.
func (e *Engine) configVersion(
	ctx context.Context,
	service string,
	rawFiles map[string]string,
	serviceConfigs map[string]any,
	cms []*unstructured.Unstructured,
) (string, error) {
	if e.cfg.DryRun() {
		return change.DryRunVersion, nil
	}

	live := make([]*unstructured.Unstructured, 0, len(cms))
	for _, cm := range cms {
		obj, err := e.gw.Get(ctx, cm)
		if err != nil {
			return "", fmt.Errorf("get live %s %q: %w", cm.GetKind(), cm.GetName(), err)
		}
		live = append(live, obj)
	}

	renderCtx := e.cfg.RenderingContext(e.vars)
	nodeConfigs := e.cfg.NodeConfigs()
	keys := make([]string, 0, len(nodeConfigs))
	for k := range nodeConfigs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		config.MergeMaps(renderCtx, nodeConfigs[k])
	}
	config.MergeMaps(renderCtx, serviceConfigs)

	rendered := e.renderer.RenderFiles(rawFiles, renderCtx, service)
	return change.ConfigVersion(live, rendered)
}

// singleJob builds the Job of a single command. Jobs run on the hosts of their
// topology key, or on every host touched by the run.
func singleJob(pod manifest.Pod, cont registry.Container, cmd registry.Command, topo topology.Topology) (*unstructured.Unstructured, error) {
	key := topology.JobsRole
	if cmd.TopologyKey != "" {
		key = cmd.TopologyKey
		if !topo.Has(key) {
			return nil, validation.Errorf(topology.ErrNotInTopology, key,
				"topology key of job %q of service %q must be placed in topology", cmd.Name, pod.Service.Name)
		}
	}
	affinity, err := manifest.Affinity(key, topo[key], false)
	if err != nil {
		return nil, err
	}
	pod.Annotations = affinity
	return manifest.Job(pod, cont, cmd), nil
}
