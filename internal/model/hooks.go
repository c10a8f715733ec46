// internal/model/hooks.go
package model

import (
	"sort"
	"sync"

	"github.com/lumix-ai/seglearn/internal/core"
)

// Hook - observer called with a layer's output during Forward.
// The tensor is owned by the network; observers that keep it must copy it.
type Hook func(layer string, out *core.Tensor)

// HookTable - layer name to observer; one observer per layer
type HookTable struct {
	mu    sync.RWMutex
	hooks map[string]Hook
}

func NewHookTable() *HookTable {
	return &HookTable{hooks: make(map[string]Hook)}
}

// Register - install fn for layer, replacing any previous observer
func (h *HookTable) Register(layer string, fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[layer] = fn
}

func (h *HookTable) Remove(layer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.hooks, layer)
}

func (h *HookTable) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = make(map[string]Hook)
}

// Layers - instrumented layer names, sorted
func (h *HookTable) Layers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.hooks))
	for name := range h.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *HookTable) fire(layer string, out *core.Tensor) {
	h.mu.RLock()
	fn := h.hooks[layer]
	h.mu.RUnlock()
	if fn != nil {
		fn(layer, out)
	}
}
