package kube

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// IsClusterScoped reports whether objects of kind live outside any namespace.
func IsClusterScoped(kind string) bool {
	switch strings.ToLower(kind) {
	case "namespace", "namespaces", "node", "nodes", "clusterrole", "clusterrolebinding",
		"persistentvolume", "validatingwebhookconfiguration", "mutatingwebhookconfiguration":
		return true
	}
	return false
}

// EncodeStream renders objs as one multi-document YAML stream, placing namespaced
// objects without a namespace into ns.
func EncodeStream(objs []*unstructured.Unstructured, ns string) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, obj := range objs {
		if err := enc.Encode(withNamespace(obj, ns)); err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("encode %s %q: %w", obj.GetKind(), obj.GetName(), err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize manifest stream: %w", err)
	}
	return buf.Bytes(), nil
}

// withNamespace returns the object payload with its namespace set. obj is not modified.
func withNamespace(obj *unstructured.Unstructured, ns string) map[string]any {
	if ns == "" || IsClusterScoped(obj.GetKind()) || obj.GetNamespace() != "" {
		return obj.Object
	}
	doc := make(map[string]any, len(obj.Object))
	for k, v := range obj.Object {
		doc[k] = v
	}
	meta := make(map[string]any)
	if existing, ok := obj.Object["metadata"].(map[string]any); ok {
		for k, v := range existing {
			meta[k] = v
		}
	}
	meta["namespace"] = ns
	doc["metadata"] = meta
	return doc
}

// Exporter is a gateway that writes objects instead of applying them. With Dir set,
// each object goes to <Dir>/<kind>-<name>.yaml; otherwise the stream is written to
// Out. Live state is never read: Get always reports absence and ListNames defers to
// Live when set.
type Exporter struct {
	Dir       string
	Out       io.Writer
	Namespace string
	Live      interface {
		ListNames(ctx context.Context, kind string) ([]string, error)
	}
}

// Apply writes objs.
func (e *Exporter) Apply(_ context.Context, objs ...*unstructured.Unstructured) error {
	if e.Dir == "" {
		stream, err := EncodeStream(objs, e.Namespace)
		if err != nil {
			return err
		}
		if _, err := e.out().Write(stream); err != nil {
			return fmt.Errorf("write manifest stream: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir %q: %w", e.Dir, err)
	}
	for _, obj := range objs {
		stream, err := EncodeStream([]*unstructured.Unstructured{obj}, e.Namespace)
		if err != nil {
			return err
		}
		path := filepath.Join(e.Dir, ExportFileName(obj))
		if err := os.WriteFile(path, stream, 0o644); err != nil {
			return fmt.Errorf("write %q: %w", path, err)
		}
	}
	return nil
}

// Get reports every object as absent.
func (e *Exporter) Get(context.Context, *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	return nil, nil
}

// ListNames returns the names listed by Live, or none.
func (e *Exporter) ListNames(ctx context.Context, kind string) ([]string, error) {
	if e.Live == nil {
		return nil, nil
	}
	return e.Live.ListNames(ctx, kind)
}

func (e *Exporter) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

// ExportFileName returns the file an exported object is written to.
func ExportFileName(obj *unstructured.Unstructured) string {
	return strings.ToLower(obj.GetKind()) + "-" + obj.GetName() + ".yaml"
}
