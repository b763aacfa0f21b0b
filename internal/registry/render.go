package registry

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/codex-k8s/stackctl/internal/config"
)

// Renderer executes service definition and file templates against a rendering context.
type Renderer struct {
	cfg *config.Config
}

// NewRenderer constructs a Renderer bound to cfg.
func NewRenderer(cfg *config.Config) *Renderer {
	return &Renderer{cfg: cfg}
}

// Render executes raw as a template. current names the custom service being rendered,
// empty for base definitions. Undefined keys fail the render.
func (r *Renderer) Render(name string, raw []byte, data map[string]any, current string) ([]byte, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(r.funcMap(current)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

// noValue is what text/template prints for an undefined key of untyped map data.
const noValue = "<no value>"

// RenderLenient executes raw with undefined keys rendered as empty strings. A template
// that still cannot be rendered yields its raw text.
func (r *Renderer) RenderLenient(name string, raw []byte, data map[string]any, current string) string {
	tmpl, err := template.New(name).Option("missingkey=zero").Funcs(r.funcMap(current)).Parse(string(raw))
	if err != nil {
		return string(raw)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return string(raw)
	}
	return strings.ReplaceAll(buf.String(), noValue, "")
}

func (r *Renderer) funcMap(current string) template.FuncMap {
	return template.FuncMap{
		"default": funcDef,
		"toLower": strings.ToLower,
		"join":    strings.Join,
		"address": r.address(current),
	}
}

// funcDef returns def when value is empty or whitespace, otherwise value.
func funcDef(def, value any) any {
	if value == nil {
		return def
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return def
	}
	return value
}

// address returns the in-cluster DNS address of a service, optionally with a port.
// Inside a custom service, references to its own definition resolve to the custom
// service and other references go through its mapping.
func (r *Renderer) address(current string) func(service string, port ...any) (string, error) {
	return func(service string, port ...any) (string, error) {
		if current != "" {
			custom := r.cfg.Services[current]
			if custom.ServiceDef == service {
				service = current
			} else if mapped := custom.Mapping[service]; mapped != "" {
				service = mapped
			}
		}

		addr := strings.Join([]string{service, r.cfg.Kubernetes.Namespace, "svc", r.cfg.Kubernetes.ClusterDomain}, ".")
		if len(port) == 0 || port[0] == nil {
			return addr, nil
		}
		p, err := containerPort(port[0])
		if err != nil {
			return "", fmt.Errorf("address %q: %w", service, err)
		}
		return addr + ":" + p, nil
	}
}

// containerPort accepts a port definition map (its "cont" key) or a plain number.
func containerPort(v any) (string, error) {
	switch p := v.(type) {
	case map[string]any:
		cont, ok := p["cont"]
		if !ok {
			return "", fmt.Errorf("port definition without cont")
		}
		return containerPort(cont)
	case int:
		return strconv.Itoa(p), nil
	case int64:
		return strconv.FormatInt(p, 10), nil
	case float64:
		return strconv.FormatInt(int64(p), 10), nil
	case string:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported port value %T", v)
	}
}
