package manifest

import (
	"strconv"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/registry"
)

// IngressRule routes a host name to a service port.
type IngressRule struct {
	Host    string
	Service string
	Port    int
}

// IngressHost returns the external host name of an ingress entry.
func IngressHost(name, domain string) string {
	return name + "." + domain
}

// Service exposes the ports of svc. StatefulSets and headless services get no
// cluster IP; any node port switches the service to NodePort.
func Service(svc registry.Service, component string) *unstructured.Unstructured {
	obj := New("v1", KindService, svc.Name)
	obj.SetLabels(Labels(component, svc.Name))
	if len(svc.Annotations.Service) > 0 {
		obj.SetAnnotations(svc.Annotations.Service)
	}

	ports := make([]any, 0, len(svc.Ports))
	nodePorts := false
	for _, p := range svc.Ports {
		port := map[string]any{
			"name":       strconv.Itoa(p.Cont),
			"port":       int64(p.Cont),
			"targetPort": int64(p.Cont),
			"protocol":   "TCP",
		}
		if p.Node > 0 {
			port["nodePort"] = int64(p.Node)
			nodePorts = true
		}
		ports = append(ports, port)
	}

	spec := map[string]any{
		"ports":    ports,
		"selector": map[string]any{LabelApp: svc.Name},
	}
	switch {
	case svc.Kind == registry.KindStatefulSet || svc.Headless:
		spec["clusterIP"] = "None"
	case nodePorts:
		spec["type"] = "NodePort"
	}
	obj.Object["spec"] = spec
	return obj
}

// Ingress builds an ingress routing every rule to its service.
func Ingress(name, component string, rules []IngressRule) *unstructured.Unstructured {
	obj := New("networking.k8s.io/v1", KindIngress, name)
	obj.SetLabels(Labels(component, name))

	out := make([]any, 0, len(rules))
	for _, r := range rules {
		out = append(out, map[string]any{
			"host": r.Host,
			"http": map[string]any{
				"paths": []any{
					map[string]any{
						"path":     "/",
						"pathType": "Prefix",
						"backend": map[string]any{
							"service": map[string]any{
								"name": r.Service,
								"port": map[string]any{"number": int64(r.Port)},
							},
						},
					},
				},
			},
		})
	}
	obj.Object["spec"] = map[string]any{"rules": out}
	return obj
}

// IngressRules returns the rules for every port of svc that declares an ingress name.
func IngressRules(svc registry.Service, domain string) []IngressRule {
	var rules []IngressRule
	for _, p := range svc.Ports {
		if p.Ingress == "" {
			continue
		}
		rules = append(rules, IngressRule{Host: IngressHost(p.Ingress, domain), Service: svc.Name, Port: p.Cont})
	}
	return rules
}

// Secrets builds the Secret objects declared by a service definition.
func Secrets(secrets map[string]registry.Secret) []*unstructured.Unstructured {
	out := make([]*unstructured.Unstructured, 0, len(secrets))
	for _, name := range sortedSecretNames(secrets) {
		s := secrets[name]
		out = append(out, Secret(s.Secret.SecretName, s.Type, s.Data))
	}
	return out
}
