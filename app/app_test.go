package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/rail"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.RailsFile = "../configs/rails.yaml"
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNew_WiresShippedCatalog(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 5, body["rails"])
	assert.Equal(t, a.Store, a.Ledger, "sqlite ledger by default")
}

func TestNew_DefaultsWithoutCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.RailsFile = ""

	a := newTestApp(t, cfg)

	assert.ElementsMatch(t, rail.AllIDs, a.Registry.Load().IDs())
}

func TestNew_BadCatalogFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.RailsFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, nil)

	assert.Error(t, err)
}

func TestReloadRails_SwapsRegistry(t *testing.T) {
	// GIVEN: A running app on a catalog file
	path := filepath.Join(t.TempDir(), "rails.yaml")
	data, err := os.ReadFile("../configs/rails.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	cfg := testConfig(t)
	cfg.RailsFile = path
	a := newTestApp(t, cfg)
	before := a.Registry.Load()

	// WHEN: The catalog shrinks to pix and wire, then reloads
	doc := `
rails:
  - id: pix
    currencies: [USD, BRL]
    destination_currencies: [BRL]
    countries: [BR]
    min_amount: "1"
    max_amount: "50000"
    estimated_time_seconds: 10
    fee_percentage: "0.5"
  - id: wire
    currencies: [USD]
    min_amount: "100"
    estimated_time_seconds: 86400
    fee_percentage: "1.0"
`
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(doc)), 0o600))
	require.NoError(t, a.ReloadRails())

	// THEN: New lookups see two rails; the old registry is untouched
	assert.Equal(t, []rail.ID{rail.Pix, rail.Wire}, a.Registry.Load().IDs())
	assert.Equal(t, 5, before.Len())
}

func TestReloadRails_InvalidCatalogKeepsRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rails.yaml")
	data, err := os.ReadFile("../configs/rails.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	cfg := testConfig(t)
	cfg.RailsFile = path
	a := newTestApp(t, cfg)

	require.NoError(t, os.WriteFile(path, []byte("rails:\n  - id: swift\n    currencies: [USD]\n"), 0o600))

	assert.Error(t, a.ReloadRails())
	assert.Equal(t, 5, a.Registry.Load().Len())
}

func TestApp_StartAndClose(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	a.Start()

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close(), "second close is a no-op")
}
