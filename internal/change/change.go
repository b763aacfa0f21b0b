// Package change computes config versions and detects container image changes
// between desired workloads and the live cluster.
package change

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/manifest"
)

// DryRunVersion pins the config version when live state is not consulted.
const DryRunVersion = "dry-run"

// LiveGetter fetches the live counterpart of a desired object; nil when absent.
type LiveGetter interface {
	Get(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
}

// ConfigVersion concatenates the resource versions of the live config artifacts
// with the hash of the rendered files.
func ConfigVersion(live []*unstructured.Unstructured, rendered map[string]string) (string, error) {
	var b strings.Builder
	for _, obj := range live {
		if obj == nil {
			continue
		}
		b.WriteString(obj.GetResourceVersion())
	}
	hash, err := FilesHash(rendered)
	if err != nil {
		return "", err
	}
	b.WriteString(hash)
	return b.String(), nil
}

// FilesHash returns the hex SHA-1 of the canonical JSON object mapping file name
// to rendered content. A nil map hashes like an empty one.
func FilesHash(rendered map[string]string) (string, error) {
	if rendered == nil {
		rendered = map[string]string{}
	}
	raw, err := json.Marshal(rendered)
	if err != nil {
		return "", fmt.Errorf("encode rendered files: %w", err)
	}
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ImageChange is the first differing image pair of a workload.
type ImageChange struct {
	Object string
	Index  int
	Old    string
	New    string
}

// CompareImages compares images position by position; the shorter list is padded
// with empty strings. It reports the first mismatch.
func CompareImages(oldImages, newImages []string) (ImageChange, bool) {
	n := len(oldImages)
	if len(newImages) > n {
		n = len(newImages)
	}
	for i := 0; i < n; i++ {
		var o, nw string
		if i < len(oldImages) {
			o = oldImages[i]
		}
		if i < len(newImages) {
			nw = newImages[i]
		}
		if o != nw {
			return ImageChange{Index: i, Old: o, New: nw}, true
		}
	}
	return ImageChange{}, false
}

// DetectImageChange checks the workloads among objs against their live versions
// and returns the first image change found. Objects without a live counterpart
// never count as changed.
func DetectImageChange(ctx context.Context, objs []*unstructured.Unstructured, live LiveGetter) (ImageChange, bool, error) {
	for _, obj := range objs {
		if !manifest.IsWorkload(obj) {
			continue
		}
		current, err := live.Get(ctx, obj)
		if err != nil {
			return ImageChange{}, false, fmt.Errorf("get live %s %q: %w", obj.GetKind(), obj.GetName(), err)
		}
		if current == nil {
			continue
		}
		if diff, changed := CompareImages(manifest.ContainerImages(current), manifest.ContainerImages(obj)); changed {
			diff.Object = obj.GetKind() + "/" + obj.GetName()
			return diff, true, nil
		}
	}
	return ImageChange{}, false, nil
}

// VersionDiff returns the tags of two image references, taken after the final ":".
func VersionDiff(fromImage, toImage string) (string, string) {
	return imageTag(fromImage), imageTag(toImage)
}

func imageTag(image string) string {
	if i := strings.LastIndex(image, ":"); i >= 0 {
		return image[i+1:]
	}
	return image
}
