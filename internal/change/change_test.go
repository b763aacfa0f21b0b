package change

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/manifest"
	"github.com/codex-k8s/stackctl/internal/registry"
)

func configMap(name, version string) *unstructured.Unstructured {
	cm := manifest.ConfigMap(name, nil)
	cm.SetResourceVersion(version)
	return cm
}

func TestConfigVersion_Deterministic(t *testing.T) {
	files := map[string]string{"b.conf": "two", "a.conf": "one"}
	live := []*unstructured.Unstructured{configMap("a", "101"), nil, configMap("b", "202")}

	first, err := ConfigVersion(live, files)
	require.NoError(t, err)
	second, err := ConfigVersion(live, map[string]string{"a.conf": "one", "b.conf": "two"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Regexp(t, `^101202[0-9a-f]{40}$`, first)

	changed, err := ConfigVersion(live, map[string]string{"a.conf": "one", "b.conf": "three"})
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)

	bumped, err := ConfigVersion([]*unstructured.Unstructured{configMap("a", "102"), configMap("b", "202")}, files)
	require.NoError(t, err)
	assert.NotEqual(t, first, bumped)
}

func TestFilesHash_Empty(t *testing.T) {
	a, err := FilesHash(nil)
	require.NoError(t, err)
	b, err := FilesHash(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	// sha1("{}")
	assert.Equal(t, "bf21a9e8fbc5a3846fb05b4fa0859e0917b2202f", a)
}

func TestCompareImages(t *testing.T) {
	diff, changed := CompareImages([]string{"a:1", "b:1"}, []string{"a:1", "b:2"})
	require.True(t, changed)
	assert.Equal(t, ImageChange{Index: 1, Old: "b:1", New: "b:2"}, diff)

	_, changed = CompareImages([]string{"a:1", "b:1"}, []string{"a:1", "b:1"})
	assert.False(t, changed)

	diff, changed = CompareImages([]string{"a:1"}, []string{"a:1", "c:1"})
	require.True(t, changed)
	assert.Equal(t, ImageChange{Index: 1, Old: "", New: "c:1"}, diff)

	// Reordering counts as a change.
	diff, changed = CompareImages([]string{"a:1", "b:1"}, []string{"b:1", "a:1"})
	require.True(t, changed)
	assert.Equal(t, 0, diff.Index)
}

type fakeLive map[string]*unstructured.Unstructured

func (f fakeLive) Get(_ context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if obj.GetName() == "broken" {
		return nil, errors.New("connection refused")
	}
	return f[obj.GetKind()+"/"+obj.GetName()], nil
}

func workload(name string, images ...string) *unstructured.Unstructured {
	svc := registry.Service{Name: name}
	for i, img := range images {
		svc.Containers = append(svc.Containers, registry.Container{Name: name + string(rune('a'+i)), Image: img})
	}
	return manifest.Workload(manifest.Pod{Service: svc, Component: name}, 1)
}

func TestDetectImageChange(t *testing.T) {
	ctx := context.Background()
	live := fakeLive{"Deployment/keystone": workload("keystone", "a:1", "b:1")}

	desired := []*unstructured.Unstructured{
		manifest.ConfigMap("keystone-files", nil),
		workload("keystone", "a:1", "b:2"),
	}
	diff, changed, err := DetectImageChange(ctx, desired, live)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, "b:1", diff.Old)
	assert.Equal(t, "b:2", diff.New)
	assert.Equal(t, "Deployment/keystone", diff.Object)

	_, changed, err = DetectImageChange(ctx, []*unstructured.Unstructured{workload("nova", "n:2")}, live)
	require.NoError(t, err)
	assert.False(t, changed, "no live object means no change")

	_, _, err = DetectImageChange(ctx, []*unstructured.Unstructured{workload("broken", "x:1")}, live)
	assert.ErrorContains(t, err, "connection refused")
}

func TestVersionDiff(t *testing.T) {
	from, to := VersionDiff("registry.local:5000/keystone:newton", "registry.local:5000/keystone:ocata")
	assert.Equal(t, "newton", from)
	assert.Equal(t, "ocata", to)

	from, _ = VersionDiff("keystone", "keystone:1")
	assert.Equal(t, "keystone", from)
}
