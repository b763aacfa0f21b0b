// Package manifest builds the cluster objects emitted by a deployment run as
// unstructured payloads. Every value stored in an object is JSON-compatible.
package manifest

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Labels attached to every object owned by a service.
const (
	LabelApp       = "app"
	LabelComponent = "stackctl-component"
	LabelService   = "stackctl-service"
)

// Names of the global config artifacts.
const (
	GlobalConfigName = "globals"
	GlobalSecretName = "global-secrets"
	NodesConfigName  = "nodes-config"
	StartScriptName  = "start-script"
	ExportsName      = "exports"
	RegistrySecret   = "registry-key"
)

// Suffixes of the per-service config artifacts.
const (
	FilesSuffix         = "files"
	MetaSuffix          = "meta"
	WorkflowSuffix      = "workflow"
	ServiceConfigSuffix = "service-config"
)

// Workload kinds emitted for services and jobs.
const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
	KindJob         = "Job"
	KindConfigMap   = "ConfigMap"
	KindSecret      = "Secret"
	KindService     = "Service"
	KindIngress     = "Ingress"
	KindNamespace   = "Namespace"
	KindDependency  = "Dependency"
)

// DependencyAPIVersion is the API group of object-to-object dependency records.
const DependencyAPIVersion = "appcontroller.k8s/v1alpha1"

// ServiceObjectName returns the name of a per-service config artifact.
func ServiceObjectName(service, suffix string) string {
	return service + "-" + suffix
}

// New returns an empty object of the given type and name.
func New(apiVersion, kind, name string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]any{}}
	obj.SetAPIVersion(apiVersion)
	obj.SetKind(kind)
	obj.SetName(name)
	return obj
}

// ConfigMap builds a ConfigMap holding data.
func ConfigMap(name string, data map[string]string) *unstructured.Unstructured {
	obj := New("v1", KindConfigMap, name)
	obj.Object["data"] = stringMap(data)
	return obj
}

// Secret builds a Secret of the given type; an empty type means Opaque.
func Secret(name, secretType string, data map[string]string) *unstructured.Unstructured {
	if secretType == "" {
		secretType = "Opaque"
	}
	obj := New("v1", KindSecret, name)
	obj.Object["type"] = secretType
	obj.Object["stringData"] = stringMap(data)
	return obj
}

// Namespace builds a Namespace.
func Namespace(name string) *unstructured.Unstructured {
	return New("v1", KindNamespace, name)
}

// Dependency builds an object-to-object dependency record; parent and child are
// "kind/name" references.
func Dependency(name, parent, child string) *unstructured.Unstructured {
	obj := New(DependencyAPIVersion, KindDependency, name)
	obj.Object["parent"] = parent
	obj.Object["child"] = child
	return obj
}

// Labels returns the labels of objects owned by a service.
func Labels(component, service string) map[string]string {
	return map[string]string{
		LabelApp:       service,
		LabelComponent: component,
		LabelService:   service,
	}
}

// WithLabels sets labels on obj and returns it.
func WithLabels(obj *unstructured.Unstructured, labels map[string]string) *unstructured.Unstructured {
	obj.SetLabels(labels)
	return obj
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stringSlice(in []string) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	return out
}
