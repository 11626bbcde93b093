package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/pkg/models"
)

// Registry is the tool catalog. Argument schemas are compiled once at
// registration and enforced on every invocation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	tool     Tool
	meta     Meta
	compiled *jsonschema.Schema
}

// NewRegistry returns an empty catalog.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Register adds a tool. The schema must compile; duplicate names are an
// error.
func (r *Registry) Register(tool Tool, meta Meta) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.entries[name] = &entry{tool: tool, meta: meta, compiled: compiled}
	return nil
}

// MustRegister panics on registration failure. Used at startup where a
// broken schema is a programming error.
func (r *Registry) MustRegister(tool Tool, meta Meta) {
	if err := r.Register(tool, meta); err != nil {
		panic(err)
	}
}

// Get returns the tool and its routing metadata.
func (r *Registry) Get(name string) (Tool, Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, Meta{}, false
	}
	return e.tool, e.meta, true
}

// ValidateArguments checks args against the tool's compiled schema.
func (r *Registry) ValidateArguments(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %s", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := e.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}

// Descriptors returns the catalog filtered by the agent's workspace
// policy, sorted by name for a stable prompt.
func (r *Registry) Descriptors(policy models.WorkspacePolicy) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for name, e := range r.entries {
		if !allowed(e.meta, policy) {
			continue
		}
		out = append(out, Descriptor{
			Name:                name,
			Description:         e.tool.Description(),
			Schema:              e.tool.Schema(),
			Binding:             e.meta.Binding,
			DefaultRisk:         e.meta.DefaultRisk,
			EstimatedDurationMS: e.meta.EstimatedDurationMS,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// allowed applies workspace policy: allow_actions=false removes shell,
// git, and mutating filesystem tools; allow_context_reads=false removes
// read-only catalog access.
func allowed(meta Meta, policy models.WorkspacePolicy) bool {
	if !policy.AllowActions {
		if meta.Binding == BindingShell || meta.Binding == BindingGit || meta.Mutating {
			return false
		}
	}
	if !policy.AllowContextReads && !meta.Mutating {
		if meta.Binding == BindingFilesystem || meta.Binding == BindingSearch {
			return false
		}
	}
	return true
}
