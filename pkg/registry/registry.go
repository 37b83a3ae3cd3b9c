// Package registry provides the read-only tool lookup facade. Tools are
// registered during startup; the registry freezes when the orchestrator
// starts and rejects later registration (hot-reload is out of scope).
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aide-run/aide/pkg/models"
)

// ToolInfo is the immutable metadata snapshot of one registered tool,
// used by the classifier prompt and meta-query responses.
type ToolInfo struct {
	Name         string                 `json:"name"`
	Category     string                 `json:"category"`
	Description  string                 `json:"description"`
	Parameters   []models.ToolParameter `json:"parameters,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
}

// Registry holds the registered tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]models.Tool
	frozen bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]models.Tool)}
}

// Register adds a tool. Names are globally unique and immutable after
// registration. Fails once the registry is frozen.
func (r *Registry) Register(tool models.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen; cannot register %q", tool.Name())
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (models.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns metadata for every registered tool, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, ToolInfo{
			Name:         t.Name(),
			Category:     t.Category(),
			Description:  t.Description(),
			Parameters:   t.Parameters(),
			Capabilities: t.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
