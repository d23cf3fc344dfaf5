// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/peftkit/orchestrator/api"
	"github.com/peftkit/orchestrator/pkg/errors"
	"github.com/peftkit/orchestrator/pkg/logging"
	"github.com/peftkit/orchestrator/pkg/watch"
)

// Factory constructs a fresh, unconnected Connector instance. Factories
// are registered by name so a plugin manifest can reference one without
// Go needing to dlopen or exec_module arbitrary source the way a
// dynamic language can.
type Factory func() Connector

// Manifest is the on-disk description of a connector plugin: which
// factory builds it, its advertised capabilities, and the credential
// keys Connect requires. Manifests live as *.json files under the
// configured plugin directory.
type Manifest struct {
	Name                string                     `json:"name"`
	Factory             string                     `json:"factory"`
	DisplayName         string                     `json:"display_name"`
	Version             string                     `json:"version"`
	Capabilities        api.ConnectorCapabilities  `json:"capabilities"`
	RequiredCredentials []string                   `json:"required_credential_keys"`
}

// Manager layers plugin discovery and credential-bound lifecycle
// management on top of a Registry. It never persists or logs
// credential values: Connect validates their presence by key only.
type Manager struct {
	mu        sync.Mutex
	registry  *Registry
	logger    logging.Logger
	factories map[string]Factory
	required  map[string][]string
	connected map[string]bool
}

// NewManager creates a Manager over registry. A nil logger falls back
// to logging.NoOpLogger.
func NewManager(registry *Registry, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Manager{
		registry:  registry,
		logger:    logger,
		factories: make(map[string]Factory),
		required:  make(map[string][]string),
		connected: make(map[string]bool),
	}
}

// RegisterFactory makes f available to manifests under key. Built-in
// connectors (local, runpod, lambdalabs, vastai) are expected to
// register themselves this way at process start.
func (m *Manager) RegisterFactory(key string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[key] = f
}

// Discover scans pluginDir for *.json manifests, builds the connector
// each one names via its registered factory, and registers it. A
// manifest that fails to parse, names an unknown factory, or collides
// with an already-registered name is recorded as one of the returned
// errors rather than aborting the scan; loaded reports how many
// connectors were successfully registered.
func (m *Manager) Discover(pluginDir string) (loaded int, errs []error) {
	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		return 0, []error{fmt.Errorf("read plugin directory %q: %w", pluginDir, err)}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(pluginDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read manifest %s: %w", entry.Name(), err))
			continue
		}
		var manifest Manifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			errs = append(errs, fmt.Errorf("parse manifest %s: %w", entry.Name(), err))
			continue
		}
		if err := m.loadManifest(manifest); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		loaded++
	}
	return loaded, errs
}

func (m *Manager) loadManifest(manifest Manifest) error {
	m.mu.Lock()
	factory, ok := m.factories[manifest.Factory]
	if ok {
		m.required[manifest.Name] = manifest.RequiredCredentials
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown factory %q", manifest.Factory)
	}
	if err := m.registry.Register(factory()); err != nil {
		return err
	}
	m.registry.SetMetadata(manifest.Name, manifest.DisplayName, manifest.Version, manifest.RequiredCredentials)
	return nil
}

// Connect validates that credentials carries every key the connector's
// manifest declared required, then binds them via the connector's own
// Connect method and marks it connected. Credentials are held only for
// the duration of this call and inside the connector itself; Manager
// keeps no copy.
func (m *Manager) Connect(ctx context.Context, name string, credentials map[string]string) error {
	conn, ok := m.registry.Get(name)
	if !ok {
		return errors.NotFound("connector", name)
	}

	m.mu.Lock()
	required := m.required[name]
	m.mu.Unlock()

	for _, key := range required {
		if strings.TrimSpace(credentials[key]) == "" {
			return errors.Validation(key, fmt.Sprintf("required credential missing for connector %q", name))
		}
	}

	if err := conn.Connect(ctx, credentials); err != nil {
		return errors.Classify(err)
	}

	m.mu.Lock()
	m.connected[name] = true
	m.mu.Unlock()
	return nil
}

// Disconnect tears down a previously connected connector.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	conn, ok := m.registry.Get(name)
	if !ok {
		return errors.NotFound("connector", name)
	}
	err := conn.Disconnect(ctx)

	m.mu.Lock()
	delete(m.connected, name)
	m.mu.Unlock()

	if err != nil {
		return errors.Classify(err)
	}
	return nil
}

// Connected reports whether name has an active, bound connection.
func (m *Manager) Connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected[name]
}

// connectorHealthPollInterval governs how often WatchHealth re-checks a
// connected connector's reachability.
const connectorHealthPollInterval = 1 * time.Minute

// WatchHealth polls name's VerifyConnection on a fixed interval and
// returns a channel of "healthy"/"unhealthy" transitions, closed when
// ctx is canceled. It is how a long-running process notices a provider
// connector has gone unreachable between job submissions, rather than
// only discovering it the next time a job tries to use it.
func (m *Manager) WatchHealth(ctx context.Context, name string) (<-chan watch.StatusEvent, error) {
	conn, ok := m.registry.Get(name)
	if !ok {
		return nil, errors.NotFound("connector", name)
	}

	statusFunc := func(ctx context.Context) (string, any, error) {
		if err := conn.VerifyConnection(ctx); err != nil {
			return "unhealthy", err.Error(), nil
		}
		return "healthy", nil, nil
	}

	poller := watch.NewStatusPoller(statusFunc).WithPollInterval(connectorHealthPollInterval)
	return poller.Watch(ctx), nil
}

// ListByCapability returns the enabled connector records whose
// capabilities, as Registry.Records reports them (Training for every
// connector, Inference for one that implements InferenceConnector),
// satisfy want. Capabilities declared in a manifest are not consulted.
// The dispatcher does not call it: Dispatcher.Submit always takes an
// explicit provider name.
func (m *Manager) ListByCapability(want func(api.ConnectorCapabilities) bool) []api.ConnectorRecord {
	var out []api.ConnectorRecord
	for _, rec := range m.registry.Records() {
		if rec.Enabled && want(rec.Capabilities) {
			out = append(out, rec)
		}
	}
	return out
}
