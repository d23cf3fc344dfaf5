// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package connectors_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peftkit/orchestrator/internal/connectors"
)

type connectAssertingConnector struct {
	stubConnector
	connectedWith map[string]string
}

func (c *connectAssertingConnector) Connect(ctx context.Context, credentials map[string]string) error {
	c.connectedWith = credentials
	return nil
}

func TestManagerConnectRequiresDeclaredCredentials(t *testing.T) {
	registry := connectors.NewRegistry()
	manager := connectors.NewManager(registry, nil)

	conn := &connectAssertingConnector{stubConnector: stubConnector{name: "acme"}}
	manager.RegisterFactory("acme-factory", func() connectors.Connector { return conn })

	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "acme.json")
	manifest := `{
		"name": "acme",
		"factory": "acme-factory",
		"display_name": "Acme Cloud",
		"version": "1.0.0",
		"capabilities": {"training": true},
		"required_credential_keys": ["api_key"]
	}`
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))

	loaded, errs := manager.Discover(dir)
	assert.Empty(t, errs)
	assert.Equal(t, 1, loaded)

	err := manager.Connect(context.Background(), "acme", map[string]string{})
	assert.Error(t, err, "missing required credential should be rejected")

	err = manager.Connect(context.Background(), "acme", map[string]string{"api_key": "secret"})
	require.NoError(t, err)
	assert.True(t, manager.Connected("acme"))
	assert.Equal(t, "secret", conn.connectedWith["api_key"])
}

func TestManagerConnectUnknownConnectorIsNotFound(t *testing.T) {
	manager := connectors.NewManager(connectors.NewRegistry(), nil)
	err := manager.Connect(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestManagerDiscoverSkipsBadManifestsButLoadsRest(t *testing.T) {
	registry := connectors.NewRegistry()
	manager := connectors.NewManager(registry, nil)
	manager.RegisterFactory("good-factory", func() connectors.Connector {
		return stubConnector{name: "good"}
	})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unknown.json"), []byte(`{"name":"x","factory":"missing-factory"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.json"), []byte(`{"name":"good","factory":"good-factory"}`), 0o644))

	loaded, errs := manager.Discover(dir)
	assert.Equal(t, 1, loaded)
	assert.Len(t, errs, 2)

	_, ok := registry.Get("good")
	assert.True(t, ok)
}

func TestManagerDisconnectClearsConnectedState(t *testing.T) {
	registry := connectors.NewRegistry()
	require.NoError(t, registry.Register(stubConnector{name: "acme"}))
	manager := connectors.NewManager(registry, nil)

	require.NoError(t, manager.Connect(context.Background(), "acme", nil))
	assert.True(t, manager.Connected("acme"))

	require.NoError(t, manager.Disconnect(context.Background(), "acme"))
	assert.False(t, manager.Connected("acme"))
}
