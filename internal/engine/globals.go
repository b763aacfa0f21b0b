package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/manifest"
)

const dockercfgSecretType = "kubernetes.io/dockercfg"

// applyGlobals applies the run-wide objects and returns the shared ConfigMaps
// whose versions feed every service config version.
func (e *Engine) applyGlobals(ctx context.Context, res *Result) ([]*unstructured.Unstructured, error) {
	var objs []*unstructured.Unstructured
	if !e.cfg.Action.DryRun {
		objs = append(objs, manifest.Namespace(e.cfg.Kubernetes.Namespace))
	}

	if reg := e.cfg.Registry; reg.Address != "" {
		dockercfg, err := json.Marshal(map[string]any{
			reg.Address: map[string]string{"username": reg.Username, "password": reg.Password},
		})
		if err != nil {
			return nil, fmt.Errorf("encode registry credentials: %w", err)
		}
		objs = append(objs, manifest.Secret(manifest.RegistrySecret, dockercfgSecretType,
			map[string]string{".dockercfg": string(dockercfg)}))
	}

	globals, err := jsonObject(e.cfg.Configs)
	if err != nil {
		return nil, fmt.Errorf("encode global configs: %w", err)
	}
	objs = append(objs, manifest.ConfigMap(manifest.GlobalConfigName, map[string]string{manifest.GlobalConfigName: globals}))

	secrets, err := jsonObject(e.cfg.SecretConfigs)
	if err != nil {
		return nil, fmt.Errorf("encode secret configs: %w", err)
	}
	objs = append(objs, manifest.Secret(manifest.GlobalSecretName, "", map[string]string{manifest.GlobalSecretName: secrets}))

	nodes, err := json.Marshal(e.cfg.NodeConfigs())
	if err != nil {
		return nil, fmt.Errorf("encode node configs: %w", err)
	}
	objs = append(objs, manifest.ConfigMap(manifest.NodesConfigName, map[string]string{manifest.NodesConfigName: string(nodes)}))

	startScript := manifest.ConfigMap(manifest.StartScriptName, map[string]string{manifest.StartScriptName: e.reg.StartScript})
	exports := make(map[string]string, len(e.reg.Exports))
	for key, export := range e.reg.Exports {
		exports[key] = export.Body
	}
	exportsCM := manifest.ConfigMap(manifest.ExportsName, exports)
	objs = append(objs, startScript, exportsCM)

	if err := e.apply(ctx, res, objs...); err != nil {
		return nil, err
	}
	return []*unstructured.Unstructured{startScript, exportsCM}, nil
}

// jsonObject encodes m as a JSON object; nil encodes as {}.
func jsonObject(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
