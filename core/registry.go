package core

import (
	"sort"
	"sync"

	"github.com/sluiceproject/sluice/core/errs"
)

// Constructor builds a provider instance for one request's identity and
// settings.
type Constructor func(auth Auth, creds Credentials, settings Settings) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a backend constructor under its name. Backends call this
// from init; a duplicate name panics to fail startup loudly.
func Register(name string, fn Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("core: provider registered twice: " + name)
	}
	registry[name] = fn
}

// NewProvider instantiates a registered backend.
func NewProvider(name string, auth Auth, creds Credentials, settings Settings) (Provider, error) {
	registryMu.RLock()
	fn, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errs.ProviderNotFound(name)
	}
	return fn(auth, creds, settings)
}

// Providers lists the registered backend names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
