// Package depgraph turns resolved unit dependencies into object-to-object
// dependency records and checks the unit graph for cycles.
package depgraph

import (
	"errors"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/codex-k8s/stackctl/internal/manifest"
	"github.com/codex-k8s/stackctl/internal/validation"
	"github.com/codex-k8s/stackctl/internal/workflow"
)

// MaxNameLength bounds the name of a dependency record.
const MaxNameLength = 63

// ErrDependencyCycle is returned when units depend on each other in a loop.
var ErrDependencyCycle = errors.New("dependency cycle")

// Lookup answers what a qualified unit reference points at.
type Lookup interface {
	// IsJob reports whether service/unit names a single job.
	IsJob(ref string) bool
	// ServiceKind returns the declared workload kind of a service.
	ServiceKind(service string) string
}

// Build renders every edge of records as a dependency record. Duplicate edges
// yield duplicate records.
func Build(records workflow.Records, lookup Lookup) []*unstructured.Unstructured {
	var out []*unstructured.Unstructured
	for _, edge := range workflow.Edges(records) {
		child := Reference(edge[0], lookup)
		parent := Reference(edge[1], lookup)
		out = append(out, manifest.Dependency(EdgeName(child, parent), parent, child))
	}
	return out
}

// Reference formats a service/unit reference as the kind/name of the object
// running it: a job reference maps to its Job, anything else to the service workload.
func Reference(ref string, lookup Lookup) string {
	service, unit, _ := strings.Cut(ref, "/")
	if lookup.IsJob(ref) {
		return "job/" + service + "-" + unit
	}
	return strings.ToLower(lookup.ServiceKind(service)) + "/" + service
}

// EdgeName joins the object names of child and parent, truncated to MaxNameLength
// with trailing separators removed.
func EdgeName(child, parent string) string {
	name := suffix(child) + "-" + suffix(parent)
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}
	return strings.TrimRight(name, "-")
}

func suffix(ref string) string {
	_, name, _ := strings.Cut(ref, "/")
	return name
}

// DetectCycles runs Kahn's algorithm over the unit graph formed by records of
// every service. Dependencies on units outside records are treated as satisfied.
func DetectCycles(records ...workflow.Records) error {
	inDegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, recs := range records {
		for _, rec := range recs {
			if _, ok := inDegree[rec.Name]; !ok {
				inDegree[rec.Name] = 0
			}
		}
	}
	for _, recs := range records {
		for _, rec := range recs {
			for _, dep := range rec.Dependencies {
				if _, known := inDegree[dep]; !known {
					continue
				}
				inDegree[rec.Name]++
				dependents[dep] = append(dependents[dep], rec.Name)
			}
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, up := range dependents[cur] {
			inDegree[up]--
			if inDegree[up] == 0 {
				queue = append(queue, up)
			}
		}
	}
	if visited == len(inDegree) {
		return nil
	}

	var stuck []string
	for name, deg := range inDegree {
		if deg > 0 {
			stuck = append(stuck, name)
		}
	}
	sort.Strings(stuck)
	return validation.Errorf(ErrDependencyCycle, strings.Join(stuck, ", "), "units depend on each other")
}
