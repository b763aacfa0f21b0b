// Package kube provides low-level integration with Kubernetes via kubectl and related helpers.
package kube

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/logging"
)

// Client wraps kubectl execution with optional kubeconfig and context selection.
type Client struct {
	Kubeconfig string
	Context    string
	Namespace  string

	logger *slog.Logger
}

// NewClient constructs a new Kubernetes client wrapper.
func NewClient(kubeconfig, context, namespace string, logger *slog.Logger) *Client {
	return &Client{
		Kubeconfig: kubeconfig,
		Context:    context,
		Namespace:  namespace,
		logger:     logger,
	}
}

// Apply applies the given objects to the cluster using kubectl apply -f -.
func (c *Client) Apply(ctx context.Context, objs ...*unstructured.Unstructured) error {
	if len(objs) == 0 {
		return nil
	}
	stream, err := EncodeStream(objs, c.Namespace)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		c.logger.Debug("Applying object", "kind", obj.GetKind(), "name", obj.GetName())
	}
	_, err = c.runKubectl(ctx, stream, "apply", "-f", "-")
	return err
}

// Get returns the live counterpart of obj, or nil when it does not exist.
func (c *Client) Get(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	args := []string{"get", resourceArg(obj), obj.GetName(), "-o", "json", "--ignore-not-found"}
	if !IsClusterScoped(obj.GetKind()) {
		args = append(args, "-n", c.namespaceOf(obj))
	}
	out, err := c.runKubectl(ctx, nil, args...)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	live := &unstructured.Unstructured{}
	if err := live.UnmarshalJSON(out); err != nil {
		return nil, fmt.Errorf("decode %s %q: %w", obj.GetKind(), obj.GetName(), err)
	}
	return live, nil
}

// ListNames returns the names of every object of kind, e.g. "nodes".
func (c *Client) ListNames(ctx context.Context, kind string) ([]string, error) {
	args := []string{"get", kind, "-o", "name"}
	if !IsClusterScoped(kind) {
		args = append(args, "-n", c.Namespace)
	}
	out, err := c.runKubectl(ctx, nil, args...)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// kubectl prints <resource>/<name>.
		if _, name, ok := strings.Cut(line, "/"); ok {
			line = name
		}
		names = append(names, line)
	}
	return names, nil
}

func (c *Client) namespaceOf(obj *unstructured.Unstructured) string {
	if ns := obj.GetNamespace(); ns != "" {
		return ns
	}
	return c.Namespace
}

// resourceArg qualifies the kind with its API group so CRD kinds do not clash
// with built-in short names.
func resourceArg(obj *unstructured.Unstructured) string {
	gvk := obj.GroupVersionKind()
	if gvk.Group == "" {
		return strings.ToLower(gvk.Kind)
	}
	return strings.ToLower(gvk.Kind) + "." + gvk.Group
}

func (c *Client) runKubectl(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmdArgs := make([]string, 0, len(args)+4)
	if c.Context != "" {
		cmdArgs = append(cmdArgs, "--context", c.Context)
	}
	cmdArgs = append(cmdArgs, args...)

	var stdout bytes.Buffer
	stderr := logging.NewWriter(c.logger, logging.LevelWarn, "cmd", "kubectl")
	defer stderr.Flush()

	cmd := exec.CommandContext(ctx, "kubectl", cmdArgs...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if c.Kubeconfig != "" {
		env := os.Environ()
		env = append(env, "KUBECONFIG="+c.Kubeconfig)
		cmd.Env = env
	}

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("kubectl %v failed: %w", args, err)
	}
	return stdout.Bytes(), nil
}
