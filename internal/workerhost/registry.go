// Copyright 2025 James Ross
package workerhost

import "fmt"

// Registry resolves a manifest entry point to a registered in-process Plugin
// constructor. This is the concrete PluginFactory the reference host wires:
// plugin authors ship a Go package that calls Register in an init() and the
// manifest's "entry" field names it, rather than pointing at a script file
// an embedded runtime would execute.
type Registry struct {
	builders map[string]func() (Plugin, error)
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]func() (Plugin, error))}
}

// Register associates entry with a Plugin constructor. Calling it twice for
// the same entry overwrites the prior registration.
func (r *Registry) Register(entry string, build func() (Plugin, error)) {
	r.builders[entry] = build
}

// Factory returns a PluginFactory bound to this registry's current
// contents, suitable for Host.
func (r *Registry) Factory() PluginFactory {
	return func(entry string) (Plugin, error) {
		build, ok := r.builders[entry]
		if !ok {
			return nil, fmt.Errorf("workerhost: no plugin registered for entry %q", entry)
		}
		return build()
	}
}
