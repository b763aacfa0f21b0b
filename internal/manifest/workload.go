package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/registry"
	"github.com/codex-k8s/stackctl/internal/validation"
)

// AffinityAnnotation carries the scheduling affinity of a pod.
const AffinityAnnotation = "scheduler.alpha.kubernetes.io/affinity"

// ConfigVersionEnv is the container variable carrying the config version; a changed
// version forces a rollout even when the pod spec is otherwise identical.
const ConfigVersionEnv = "CM_VERSION"

const (
	hostnameKey     = "kubernetes.io/hostname"
	scriptMountPath = "/opt/stackctl/bin"
	configMountPath = "/etc/stackctl"
	secretMountPath = "/etc/stackctl-secrets"
)

// ErrAnnotationConflict is returned when pod annotations collide with the affinity annotation.
var ErrAnnotationConflict = errors.New("affinity conflicts with pod annotations")

// Affinity returns the affinity annotation placing pods on hosts. With antiAffinity
// set, pods of the same app are also kept on distinct hosts.
func Affinity(app string, hosts []string, antiAffinity bool) (map[string]string, error) {
	aff := map[string]any{
		"nodeAffinity": map[string]any{
			"requiredDuringSchedulingIgnoredDuringExecution": map[string]any{
				"nodeSelectorTerms": []any{
					map[string]any{
						"matchExpressions": []any{
							map[string]any{
								"key":      hostnameKey,
								"operator": "In",
								"values":   stringSlice(hosts),
							},
						},
					},
				},
			},
		},
	}
	if antiAffinity {
		aff["podAntiAffinity"] = map[string]any{
			"requiredDuringSchedulingIgnoredDuringExecution": []any{
				map[string]any{
					"labelSelector": map[string]any{
						"matchLabels": map[string]any{LabelApp: app},
					},
					"topologyKey": hostnameKey,
				},
			},
		}
	}
	raw, err := json.Marshal(aff)
	if err != nil {
		return nil, fmt.Errorf("encode affinity: %w", err)
	}
	return map[string]string{AffinityAnnotation: string(raw)}, nil
}

// PodAnnotations merges the declared pod annotations with the affinity annotation.
// A key present in both is a validation error.
func PodAnnotations(service string, declared, affinity map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(declared)+len(affinity))
	for k, v := range declared {
		out[k] = v
	}
	var conflicts []string
	for k, v := range affinity {
		if _, ok := out[k]; ok {
			conflicts = append(conflicts, k)
			continue
		}
		out[k] = v
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, validation.Errorf(ErrAnnotationConflict, service, "keys %s", strings.Join(conflicts, ", "))
	}
	return out, nil
}

// Strategy returns the deployment update strategy of svc. Rolling updates of
// host-bound services never surge.
func Strategy(svc registry.Service) map[string]any {
	typ := svc.Strategy
	if typ == "" {
		typ = "RollingUpdate"
	}
	strategy := map[string]any{"type": typ}
	if typ == "RollingUpdate" && (svc.HostNetwork || svc.AntiAffinity != "" || svc.IsDaemonSet()) {
		strategy["rollingUpdate"] = map[string]any{
			"maxSurge":       int64(0),
			"maxUnavailable": "50%",
		}
	}
	return strategy
}

// Pod describes the pod template of a service workload or job.
type Pod struct {
	Service         registry.Service
	Component       string
	Annotations     map[string]string
	ConfigVersion   string
	ImagePullPolicy string
	Secrets         map[string]registry.Secret
}

// Workload builds the Deployment (or StatefulSet) running svc.
func Workload(p Pod, replicas int) *unstructured.Unstructured {
	kind := KindDeployment
	if p.Service.Kind == registry.KindStatefulSet {
		kind = KindStatefulSet
	}
	name := p.Service.Name
	obj := New("apps/v1", kind, name)
	obj.SetLabels(Labels(p.Component, name))

	spec := map[string]any{
		"replicas": int64(replicas),
		"selector": map[string]any{
			"matchLabels": map[string]any{LabelApp: name},
		},
		"template": podTemplate(p, daemonContainers(p), "Always"),
	}
	if kind == KindStatefulSet {
		spec["serviceName"] = name
	} else {
		spec["strategy"] = Strategy(p.Service)
	}
	obj.Object["spec"] = spec
	return obj
}

// Job builds the Job running a single command of cont.
func Job(p Pod, cont registry.Container, cmd registry.Command) *unstructured.Unstructured {
	name := p.Service.Name + "-" + cmd.Name
	obj := New("batch/v1", KindJob, name)
	obj.SetLabels(Labels(p.Component, p.Service.Name))

	container := map[string]any{
		"name":            cmd.Name,
		"image":           cont.Image,
		"imagePullPolicy": p.ImagePullPolicy,
		"command":         stringSlice([]string{scriptMountPath + "/" + StartScriptName, "provision", cmd.Name}),
		"env":             podEnv(p.ConfigVersion),
		"volumeMounts":    volumeMounts(p),
	}
	obj.Object["spec"] = map[string]any{
		"backoffLimit": int64(0),
		"template":     podTemplate(p, []any{container}, "Never"),
	}
	return obj
}

func podTemplate(p Pod, containers []any, restartPolicy string) map[string]any {
	podSpec := map[string]any{
		"containers":    containers,
		"restartPolicy": restartPolicy,
		"volumes":       volumes(p),
	}
	if p.Service.HostNetwork {
		podSpec["hostNetwork"] = true
		podSpec["dnsPolicy"] = "ClusterFirstWithHostNet"
	}
	meta := map[string]any{
		"labels": map[string]any{LabelApp: p.Service.Name, LabelComponent: p.Component, LabelService: p.Service.Name},
	}
	if len(p.Annotations) > 0 {
		meta["annotations"] = stringMap(p.Annotations)
	}
	return map[string]any{"metadata": meta, "spec": podSpec}
}

func daemonContainers(p Pod) []any {
	out := make([]any, 0, len(p.Service.Containers))
	for _, cont := range p.Service.Containers {
		script := scriptMountPath + "/" + StartScriptName
		c := map[string]any{
			"name":            cont.Name,
			"image":           cont.Image,
			"imagePullPolicy": p.ImagePullPolicy,
			"command":         stringSlice([]string{script, "provision", cont.Name}),
			"env":             podEnv(p.ConfigVersion),
			"volumeMounts":    volumeMounts(p),
		}
		if cont.Probes.Readiness != "" {
			c["readinessProbe"] = execProbe(script, "status", cont.Name)
		}
		if cont.Probes.Liveness != "" {
			c["livenessProbe"] = execProbe(script, "liveness", cont.Name)
		}
		out = append(out, c)
	}
	return out
}

func execProbe(script, action, name string) map[string]any {
	return map[string]any{
		"exec":                map[string]any{"command": stringSlice([]string{script, action, name})},
		"initialDelaySeconds": int64(10),
		"timeoutSeconds":      int64(1),
	}
}

func podEnv(version string) []any {
	return []any{
		map[string]any{"name": ConfigVersionEnv, "value": version},
		fieldEnv("STACKCTL_NODE_NAME", "spec.nodeName"),
		fieldEnv("STACKCTL_POD_NAME", "metadata.name"),
		fieldEnv("STACKCTL_POD_IP", "status.podIP"),
	}
}

func fieldEnv(name, path string) map[string]any {
	return map[string]any{
		"name": name,
		"valueFrom": map[string]any{
			"fieldRef": map[string]any{"fieldPath": path},
		},
	}
}

type configVolume struct {
	volume string
	source string
	mount  string
}

func configVolumes(service string) []configVolume {
	return []configVolume{
		{volume: StartScriptName, source: StartScriptName, mount: scriptMountPath},
		{volume: GlobalConfigName, source: GlobalConfigName, mount: configMountPath + "/globals"},
		{volume: NodesConfigName, source: NodesConfigName, mount: configMountPath + "/nodes"},
		{volume: ExportsName, source: ExportsName, mount: configMountPath + "/exports"},
		{volume: FilesSuffix, source: ServiceObjectName(service, FilesSuffix), mount: configMountPath + "/files"},
		{volume: MetaSuffix, source: ServiceObjectName(service, MetaSuffix), mount: configMountPath + "/meta"},
		{volume: WorkflowSuffix, source: ServiceObjectName(service, WorkflowSuffix), mount: configMountPath + "/workflow"},
		{volume: ServiceConfigSuffix, source: ServiceObjectName(service, ServiceConfigSuffix), mount: configMountPath + "/service"},
	}
}

func volumes(p Pod) []any {
	var out []any
	for _, v := range configVolumes(p.Service.Name) {
		cm := map[string]any{"name": v.source}
		if v.volume == StartScriptName {
			cm["defaultMode"] = int64(0o755)
		}
		out = append(out, map[string]any{"name": v.volume, "configMap": cm})
	}
	out = append(out, map[string]any{
		"name":   GlobalSecretName,
		"secret": map[string]any{"secretName": GlobalSecretName},
	})
	for _, name := range sortedSecretNames(p.Secrets) {
		out = append(out, map[string]any{
			"name":   name,
			"secret": map[string]any{"secretName": p.Secrets[name].Secret.SecretName},
		})
	}
	return out
}

func volumeMounts(p Pod) []any {
	var out []any
	for _, v := range configVolumes(p.Service.Name) {
		out = append(out, map[string]any{"name": v.volume, "mountPath": v.mount, "readOnly": true})
	}
	out = append(out, map[string]any{"name": GlobalSecretName, "mountPath": secretMountPath, "readOnly": true})
	for _, name := range sortedSecretNames(p.Secrets) {
		out = append(out, map[string]any{"name": name, "mountPath": p.Secrets[name].Path, "readOnly": true})
	}
	return out
}

func sortedSecretNames(secrets map[string]registry.Secret) []string {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContainerImages returns spec.template.spec.containers[*].image of a workload.
func ContainerImages(obj *unstructured.Unstructured) []string {
	if obj == nil {
		return nil
	}
	containers, found, err := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	if err != nil || !found {
		return nil
	}
	images := make([]string, 0, len(containers))
	for _, c := range containers {
		m, _ := c.(map[string]any)
		img, _ := m["image"].(string)
		images = append(images, img)
	}
	return images
}

// IsWorkload reports whether obj is a pod-owning kind that carries container images.
func IsWorkload(obj *unstructured.Unstructured) bool {
	switch obj.GetKind() {
	case KindDeployment, KindStatefulSet, registry.KindDaemonSet:
		return true
	}
	return false
}
