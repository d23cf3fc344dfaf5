// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package connectors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/peftkit/orchestrator/api"
)

// Registry is a name-keyed set of constructed connectors. It never
// silently replaces an existing entry: Register returns an error on a
// duplicate name, since a silent replacement would leave in-flight jobs
// pointed at a connector instance nobody holds a reference to anymore.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	metadata   map[string]api.ConnectorRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
		metadata:   make(map[string]api.ConnectorRecord),
	}
}

// SetMetadata records the display metadata (display name, version,
// required credential keys) a plugin manifest supplied for name, which
// Records then reports. It does not register or replace a connector;
// Manager calls it after a manifest-driven registration.
func (r *Registry) SetMetadata(name, displayName, version string, requiredCredentials []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[name] = api.ConnectorRecord{
		DisplayName:         displayName,
		Version:             version,
		RequiredCredentials: requiredCredentials,
	}
}

// Register adds a connector under its own Name(). It refuses a
// duplicate name: call Replace if the caller genuinely intends to
// swap out an already-registered connector.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if name == "" {
		return fmt.Errorf("connector name must not be empty")
	}
	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("connector %q is already registered; use Replace to override it", name)
	}
	r.connectors[name] = c
	return nil
}

// Replace registers c under its own Name(), overwriting any existing
// entry. It reports replaced=true when an entry was overwritten so the
// caller can emit the warning §4.A requires.
func (r *Registry) Replace(c Connector) (replaced bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Name()
	if name == "" {
		return false, fmt.Errorf("connector name must not be empty")
	}
	_, exists := r.connectors[name]
	r.connectors[name] = c
	return exists, nil
}

// Get looks up a connector by name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Inference looks up a connector by name and asserts it also implements
// InferenceConnector, reporting false if the connector doesn't support
// inference.
func (r *Registry) Inference(name string) (InferenceConnector, bool) {
	c, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	ic, ok := c.(InferenceConnector)
	return ic, ok
}

// Records returns a ConnectorRecord per registered connector, sorted by
// name, for discovery endpoints.
func (r *Registry) Records() []api.ConnectorRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]api.ConnectorRecord, 0, len(names))
	for _, name := range names {
		c := r.connectors[name]
		_, inference := c.(InferenceConnector)
		md := r.metadata[name]
		records = append(records, api.ConnectorRecord{
			Name:                name,
			DisplayName:         md.DisplayName,
			Version:             md.Version,
			RequiredCredentials: md.RequiredCredentials,
			Enabled:             true,
			Capabilities: api.ConnectorCapabilities{
				Training:  true,
				Inference: inference,
			},
		})
	}
	return records
}
