package dimse

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registry struct {
	mu       sync.RWMutex
	toolkits map[string]Toolkit
}

func newRegistry() *registry {
	return &registry{toolkits: make(map[string]Toolkit)}
}

// Register adds a toolkit driver under name; duplicate names are rejected.
func Register(name string, tk Toolkit) error {
	return globalRegistry.register(name, tk)
}

// MustRegister panics when Register fails. Meant for driver init functions.
func MustRegister(name string, tk Toolkit) {
	if err := Register(name, tk); err != nil {
		panic(err)
	}
}

// Resolve looks a driver up, case-insensitively.
func Resolve(name string) (Toolkit, bool) {
	return globalRegistry.resolve(name)
}

// Names lists the registered drivers in order.
func Names() []string {
	return globalRegistry.names()
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *registry) register(name string, tk Toolkit) error {
	key := normalizeName(name)
	if key == "" {
		return fmt.Errorf("toolkit name is required")
	}
	if tk == nil {
		return fmt.Errorf("toolkit %s is nil", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.toolkits[key]; exists {
		return fmt.Errorf("toolkit %s already registered", key)
	}
	r.toolkits[key] = tk
	return nil
}

func (r *registry) resolve(name string) (Toolkit, bool) {
	key := normalizeName(name)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	tk, ok := r.toolkits[key]
	return tk, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.toolkits))
	for key := range r.toolkits {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
