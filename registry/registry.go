// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry implements the engine's global API registry: a small,
// name-keyed table subsystems use to publish a pointer to their own API
// struct (the allocator, the job system, the logger, ...) so unrelated
// subsystems can look each other up by name instead of linking directly.
package registry

import "sync"

// maxAPIs mirrors the engine's fixed g_apis table size.
const maxAPIs = 128

// ErrRegistryFull is returned by Set when the table already holds maxAPIs
// distinct names.
type ErrRegistryFull struct{}

func (ErrRegistryFull) Error() string { return "registry: full" }

// Registry is a name-keyed table of arbitrary API values. The zero value is
// not usable; use New.
type Registry struct {
	mu    sync.RWMutex
	names []string
	apis  []any
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		names: make([]string, 0, maxAPIs),
		apis:  make([]any, 0, maxAPIs),
	}
}

// Set publishes api under name, mirroring set_api. If name is already
// registered, its entry is replaced in place — the engine's own set_api
// does a linear search for an existing slot before appending.
func (r *Registry) Set(name string, api any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, n := range r.names {
		if n == name {
			r.apis[i] = api
			return nil
		}
	}
	if len(r.names) >= maxAPIs {
		return ErrRegistryFull{}
	}
	r.names = append(r.names, name)
	r.apis = append(r.apis, api)
	return nil
}

// Get looks up the API published under name, mirroring get_api's linear
// search. The second return value is false if no such name is registered.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, n := range r.names {
		if n == name {
			return r.apis[i], true
		}
	}
	return nil, false
}

// Remove deletes name's entry, if present. The original engine's
// remove_api was never implemented (a no-op stub); this is the completed
// version — swap-with-last removal, matching the linear-table shape of the
// rest of the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, n := range r.names {
		if n == name {
			last := len(r.names) - 1
			r.names[i] = r.names[last]
			r.apis[i] = r.apis[last]
			r.names = r.names[:last]
			r.apis = r.apis[:last]
			return
		}
	}
}

// Len reports how many APIs are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}
