// Package workflow compiles the containers of one service into execution workflow
// records: one daemon record per container and one job record per single command.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/codex-k8s/stackctl/internal/registry"
	"github.com/codex-k8s/stackctl/internal/validation"
)

var (
	// ErrUnknownCommandType is returned for a command whose type is neither local nor single.
	ErrUnknownCommandType = errors.New("unknown command type")
	// ErrDuplicateUnit is returned when two units of a service share a name.
	ErrDuplicateUnit = errors.New("duplicate unit name")
	// ErrUnknownFile is returned when a command references a file the definition does not declare.
	ErrUnknownFile = errors.New("unknown file reference")
)

// UnitKind tags a Record as a container daemon or a standalone job.
type UnitKind int

const (
	// DaemonUnit is a container's long-running process with inline pre/post steps.
	DaemonUnit UnitKind = iota
	// JobUnit is a single command scheduled on its own.
	JobUnit
)

func (k UnitKind) String() string {
	if k == JobUnit {
		return "job"
	}
	return "daemon"
}

// Step is one command with an optional user.
type Step struct {
	Command string `json:"command"`
	User    string `json:"user,omitempty"`
}

// FileRef projects a file attachment into a workflow record.
type FileRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Perm string `json:"perm,omitempty"`
	User string `json:"user,omitempty"`
}

// Record is the workflow of one unit. Pre, Daemon, Post and Readiness are set for
// DaemonUnit records only; Job is set for JobUnit records only.
type Record struct {
	Kind         UnitKind
	Name         string
	Dependencies []string
	Files        []FileRef

	Pre       []Step
	Daemon    Step
	Post      []Step
	Readiness string

	Job Step
}

// MarshalJSON encodes the record as {"workflow": {...}} with sorted keys.
func (r Record) MarshalJSON() ([]byte, error) {
	deps := r.Dependencies
	if deps == nil {
		deps = []string{}
	}
	wf := map[string]any{
		"name":         r.Name,
		"dependencies": deps,
	}
	if len(r.Files) > 0 {
		wf["files"] = r.Files
	}
	switch r.Kind {
	case JobUnit:
		wf["job"] = r.Job
	default:
		wf["pre"] = nonNilSteps(r.Pre)
		wf["daemon"] = r.Daemon
		wf["post"] = nonNilSteps(r.Post)
		if r.Readiness != "" {
			wf["readiness"] = r.Readiness
		}
	}
	return json.Marshal(map[string]any{"workflow": wf})
}

func nonNilSteps(steps []Step) []Step {
	if steps == nil {
		return []Step{}
	}
	return steps
}

// Records maps unit keys (container or command names) to their records.
type Records map[string]Record

// Keys returns the unit keys, sorted.
func (r Records) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Compile builds the workflow records of every container of def's service.
func Compile(def *registry.Definition) (Records, error) {
	records := make(Records)
	svc := def.Service
	for _, cont := range svc.Containers {
		if err := CompileContainer(records, svc.Name, cont, def.Files); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// CompileContainer adds the records of one container to records: a job record for
// every single pre and post command and the container's daemon record.
func CompileContainer(records Records, service string, cont registry.Container, files map[string]registry.File) error {
	if err := checkTypes(service, cont); err != nil {
		return err
	}

	for _, cmd := range cont.Pre {
		if !cmd.IsSingle() {
			continue
		}
		rec, err := jobRecord(service, cmd, files, nil)
		if err != nil {
			return err
		}
		if err := add(records, service, cmd.Name, rec); err != nil {
			return err
		}
	}
	for _, cmd := range cont.Post {
		if !cmd.IsSingle() {
			continue
		}
		rec, err := jobRecord(service, cmd, files, []string{service + "/" + cont.Name})
		if err != nil {
			return err
		}
		if err := add(records, service, cmd.Name, rec); err != nil {
			return err
		}
	}

	daemon := Record{
		Kind:      DaemonUnit,
		Name:      service + "/" + cont.Name,
		Pre:       localSteps(cont.Pre),
		Daemon:    stepOf(cont.Daemon),
		Post:      localSteps(cont.Post),
		Readiness: cont.Probes.Readiness,
	}
	deps := make([]string, 0, len(cont.Pre)+len(cont.Daemon.Dependencies))
	for _, cmd := range cont.Pre {
		if cmd.IsSingle() {
			deps = append(deps, service+"/"+cmd.Name)
		}
	}
	daemon.Dependencies = append(deps, cont.Daemon.Dependencies...)

	refs, err := fileRefs(service, cont.Daemon.Files, files)
	if err != nil {
		return err
	}
	daemon.Files = refs

	return add(records, service, cont.Name, daemon)
}

func jobRecord(service string, cmd registry.Command, files map[string]registry.File, extraDeps []string) (Record, error) {
	deps := make([]string, 0, len(cmd.Dependencies)+len(extraDeps))
	deps = append(deps, cmd.Dependencies...)
	deps = append(deps, extraDeps...)

	refs, err := fileRefs(service, cmd.Files, files)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Kind:         JobUnit,
		Name:         service + "/" + cmd.Name,
		Dependencies: deps,
		Files:        refs,
		Job:          stepOf(cmd),
	}, nil
}

func checkTypes(service string, cont registry.Container) error {
	for _, cmds := range [][]registry.Command{cont.Pre, cont.Post} {
		for _, cmd := range cmds {
			switch cmd.EffectiveType() {
			case registry.CommandLocal, registry.CommandSingle:
			default:
				return validation.Errorf(ErrUnknownCommandType, service+"/"+cont.Name, "command %q has type %q", cmd.Name, cmd.Type)
			}
		}
	}
	return nil
}

func add(records Records, service, key string, rec Record) error {
	if _, dup := records[key]; dup {
		return validation.Errorf(ErrDuplicateUnit, service, "unit %q is declared more than once", key)
	}
	records[key] = rec
	return nil
}

func localSteps(cmds []registry.Command) []Step {
	steps := make([]Step, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd.IsSingle() {
			continue
		}
		steps = append(steps, stepOf(cmd))
	}
	return steps
}

func stepOf(cmd registry.Command) Step {
	return Step{Command: cmd.Command, User: cmd.User}
}

// fileRefs resolves file names against the definition's files, sorted by name.
func fileRefs(service string, names []string, files map[string]registry.File) ([]FileRef, error) {
	if len(names) == 0 {
		return nil, nil
	}
	refs := make([]FileRef, 0, len(names))
	for _, name := range names {
		f, ok := files[name]
		if !ok {
			return nil, validation.Errorf(ErrUnknownFile, service, "file %q is not declared", name)
		}
		refs = append(refs, FileRef{Name: name, Path: f.Path, Perm: f.Perm, User: f.User})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Serialize encodes every record for the workflow ConfigMap, keyed by unit key.
func Serialize(records Records) (map[string]string, error) {
	out := make(map[string]string, len(records))
	for _, key := range records.Keys() {
		raw, err := json.Marshal(records[key])
		if err != nil {
			return nil, fmt.Errorf("encode workflow %q: %w", key, err)
		}
		out[key] = string(raw)
	}
	return out, nil
}

// Edges returns every (child, parent) unit edge of records: the child is the
// record's name and the parent one of its dependencies. Records are visited in key
// order and dependencies in declared order.
func Edges(records Records) [][2]string {
	var edges [][2]string
	for _, key := range records.Keys() {
		rec := records[key]
		for _, dep := range rec.Dependencies {
			edges = append(edges, [2]string{rec.Name, dep})
		}
	}
	return edges
}
