package sqlite

import (
	"sort"
	"sync"

	vfserrors "github.com/objectfs/sqlitevfs/pkg/errors"
)

var registry = struct {
	mu          sync.RWMutex
	vfs         map[string]VFS
	defaultName string
}{vfs: make(map[string]VFS)}

// Register makes vfs available to the engine under name. It fails if a VFS of the
// same name is already registered.
func Register(name string, vfs VFS, makeDefault bool) error {
	if name == "" {
		return vfserrors.New(vfserrors.KindInvalidConfig, "vfs name is empty").WithComponent("registry")
	}
	if vfs == nil {
		return vfserrors.New(vfserrors.KindInvalidConfig, "vfs is nil").WithComponent("registry")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.vfs[name]; exists {
		return vfserrors.Newf(vfserrors.KindInvalidState, "vfs %q is already registered", name).
			WithComponent("registry").WithOperation("register")
	}
	registry.vfs[name] = vfs

	if makeDefault || registry.defaultName == "" {
		registry.defaultName = name
	}
	return nil
}

// Unregister removes name from the registry. Unregistering the default VFS leaves
// the registry without a default.
func Unregister(name string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.vfs[name]; !exists {
		return vfserrors.Newf(vfserrors.KindNotFound, "vfs %q is not registered", name).
			WithComponent("registry").WithOperation("unregister")
	}
	delete(registry.vfs, name)

	if registry.defaultName == name {
		registry.defaultName = ""
	}
	return nil
}

// Find returns the VFS registered under name. Looking up a name that has not been
// installed is an InvalidState error, never an uninitialised VFS.
func Find(name string) (VFS, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	if vfs, ok := registry.vfs[name]; ok {
		return vfs, nil
	}
	return nil, vfserrors.Newf(vfserrors.KindInvalidState, "vfs %q is not installed", name).
		WithComponent("registry").WithOperation("find")
}

// Default returns the default VFS.
func Default() (VFS, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	if registry.defaultName == "" {
		return nil, vfserrors.New(vfserrors.KindInvalidState, "no default vfs is installed").
			WithComponent("registry").WithOperation("default")
	}
	return registry.vfs[registry.defaultName], nil
}

// DefaultName returns the name of the default VFS, or "".
func DefaultName() string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	return registry.defaultName
}

// Names returns the sorted names of all registered VFSes.
func Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.vfs))
	for name := range registry.vfs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
