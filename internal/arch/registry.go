package arch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agentplane/agentplane/internal/sandbox"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[v1.Architecture]Factory)
)

// Register installs a factory for an architecture. Called from family
// package init; duplicate registration panics.
func Register(arch v1.Architecture, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[arch]; exists {
		panic(fmt.Sprintf("arch: duplicate registration for %q", arch))
	}
	registry[arch] = factory
}

// New constructs an adapter for the architecture. A nil sandbox yields a
// parse-only adapter.
func New(arch v1.Architecture, sb sandbox.Sandbox, sessionID string) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[arch]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q", arch)
	}
	return factory(sb, sessionID), nil
}

// Supported returns the registered architectures, sorted.
func Supported() []v1.Architecture {
	registryMu.RLock()
	defer registryMu.RUnlock()
	archs := make([]v1.Architecture, 0, len(registry))
	for arch := range registry {
		archs = append(archs, arch)
	}
	sort.Slice(archs, func(i, j int) bool { return archs[i] < archs[j] })
	return archs
}
