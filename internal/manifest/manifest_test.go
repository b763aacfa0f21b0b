package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/registry"
	"github.com/codex-k8s/stackctl/internal/validation"
)

func keystone() registry.Service {
	return registry.Service{
		Name: "keystone",
		Containers: []registry.Container{
			{Name: "keystone", Image: "registry.local/keystone:1", Probes: registry.Probes{Readiness: "true"}},
			{Name: "keystone-exporter", Image: "registry.local/exporter:2"},
		},
		Ports: []registry.Port{{Cont: 5000, Ingress: "identity"}, {Cont: 35357, Node: 30357}},
	}
}

func TestConfigMapAndSecret(t *testing.T) {
	cm := ConfigMap("globals", map[string]string{"globals": "{}"})
	assert.Equal(t, "ConfigMap", cm.GetKind())
	assert.Equal(t, "globals", cm.GetName())
	data, found, err := unstructured.NestedStringMap(cm.Object, "data")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]string{"globals": "{}"}, data)

	secret := Secret("db", "", map[string]string{"password": "pw"})
	assert.Equal(t, "Opaque", secret.Object["type"])
	// DeepCopy panics on non-JSON values.
	assert.NotPanics(t, func() { secret.DeepCopy() })
}

func TestDependency(t *testing.T) {
	dep := Dependency("keystone-mariadb", "deployment/mariadb", "deployment/keystone")
	assert.Equal(t, DependencyAPIVersion, dep.GetAPIVersion())
	assert.Equal(t, "deployment/mariadb", dep.Object["parent"])
	assert.Equal(t, "deployment/keystone", dep.Object["child"])
}

func TestAffinityAndAnnotations(t *testing.T) {
	aff, err := Affinity("keystone", []string{"node1", "node2"}, false)
	require.NoError(t, err)
	require.Contains(t, aff, AffinityAnnotation)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(aff[AffinityAnnotation]), &decoded))
	assert.Contains(t, decoded, "nodeAffinity")
	assert.NotContains(t, decoded, "podAntiAffinity")

	anti, err := Affinity("keystone", []string{"node1"}, true)
	require.NoError(t, err)
	assert.Contains(t, anti[AffinityAnnotation], "podAntiAffinity")

	merged, err := PodAnnotations("keystone", map[string]string{"a": "b"}, aff)
	require.NoError(t, err)
	assert.Equal(t, "b", merged["a"])
	assert.Equal(t, aff[AffinityAnnotation], merged[AffinityAnnotation])

	_, err = PodAnnotations("keystone", map[string]string{AffinityAnnotation: "x"}, aff)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAnnotationConflict)
	assert.True(t, validation.IsError(err))
}

func TestStrategy(t *testing.T) {
	assert.Equal(t, map[string]any{"type": "RollingUpdate"}, Strategy(registry.Service{}))
	assert.Equal(t, map[string]any{"type": "Recreate"}, Strategy(registry.Service{Strategy: "Recreate", HostNetwork: true}))

	rolling := map[string]any{
		"type":          "RollingUpdate",
		"rollingUpdate": map[string]any{"maxSurge": int64(0), "maxUnavailable": "50%"},
	}
	assert.Equal(t, rolling, Strategy(registry.Service{HostNetwork: true}))
	assert.Equal(t, rolling, Strategy(registry.Service{AntiAffinity: "local"}))
	assert.Equal(t, rolling, Strategy(registry.Service{Kind: registry.KindDaemonSet}))
}

func TestWorkload(t *testing.T) {
	pod := Pod{Service: keystone(), Component: "keystone", ConfigVersion: "v1", ImagePullPolicy: "Always"}

	obj := Workload(pod, 2)
	assert.Equal(t, KindDeployment, obj.GetKind())
	assert.Equal(t, "keystone", obj.GetLabels()[LabelComponent])
	replicas, _, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	assert.Equal(t, int64(2), replicas)
	assert.Equal(t, []string{"registry.local/keystone:1", "registry.local/exporter:2"}, ContainerImages(obj))
	assert.True(t, IsWorkload(obj))
	assert.NotPanics(t, func() { obj.DeepCopy() })

	containers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "containers")
	first := containers[0].(map[string]any)
	assert.Contains(t, first, "readinessProbe")
	env := first["env"].([]any)
	assert.Equal(t, map[string]any{"name": ConfigVersionEnv, "value": "v1"}, env[0])

	pod.Service.Kind = registry.KindStatefulSet
	sts := Workload(pod, 1)
	assert.Equal(t, KindStatefulSet, sts.GetKind())
	_, hasStrategy, _ := unstructured.NestedMap(sts.Object, "spec", "strategy")
	assert.False(t, hasStrategy)
}

func TestJob(t *testing.T) {
	svc := keystone()
	pod := Pod{Service: svc, Component: "keystone", ImagePullPolicy: "IfNotPresent"}
	job := Job(pod, svc.Containers[0], registry.Command{Name: "db-sync", Type: registry.CommandSingle})

	assert.Equal(t, KindJob, job.GetKind())
	assert.Equal(t, "keystone-db-sync", job.GetName())
	assert.False(t, IsWorkload(job))
	policy, _, _ := unstructured.NestedString(job.Object, "spec", "template", "spec", "restartPolicy")
	assert.Equal(t, "Never", policy)
	assert.Equal(t, []string{"registry.local/keystone:1"}, ContainerImages(job))
}

func TestServiceAndIngress(t *testing.T) {
	svc := keystone()
	obj := Service(svc, "keystone")
	typ, _, _ := unstructured.NestedString(obj.Object, "spec", "type")
	assert.Equal(t, "NodePort", typ)

	svc.Headless = true
	headless := Service(svc, "keystone")
	ip, _, _ := unstructured.NestedString(headless.Object, "spec", "clusterIP")
	assert.Equal(t, "None", ip)

	rules := IngressRules(keystone(), "external")
	assert.Equal(t, []IngressRule{{Host: "identity.external", Service: "keystone", Port: 5000}}, rules)

	ing := Ingress("keystone", "keystone", rules)
	assert.Equal(t, KindIngress, ing.GetKind())
	assert.NotPanics(t, func() { ing.DeepCopy() })
}

func TestSecrets(t *testing.T) {
	objs := Secrets(map[string]registry.Secret{
		"b": {Secret: registry.SecretRef{SecretName: "b-secret"}, Type: "kubernetes.io/tls"},
		"a": {Secret: registry.SecretRef{SecretName: "a-secret"}, Data: map[string]string{"k": "v"}},
	})
	require.Len(t, objs, 2)
	assert.Equal(t, "a-secret", objs[0].GetName())
	assert.Equal(t, "kubernetes.io/tls", objs[1].Object["type"])
}
