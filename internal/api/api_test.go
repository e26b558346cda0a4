package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0shephard/t4-bot/internal/auth"
	"github.com/0x0shephard/t4-bot/internal/config"
	"github.com/0x0shephard/t4-bot/internal/database"
	"github.com/0x0shephard/t4-bot/internal/ledger"
	"github.com/0x0shephard/t4-bot/internal/testutils"
)

const testSecret = "api-test-secret"

type apiFixture struct {
	suite   *testutils.TestSuite
	http    *testutils.HTTPTestHelper
	service map[string]string
	authed  map[string]string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *apiFixture {
	suite := testutils.NewTestSuite(t, nil)
	t.Cleanup(suite.TearDown)

	cfg := config.Default()
	cfg.App.Env = "test"
	cfg.Auth.JWTSecret = testSecret
	cfg.Monitoring.PrometheusEnabled = true
	if mutate != nil {
		mutate(cfg)
	}

	svc := suite.Service(ledger.Options{
		Policy: ledger.DefaultPolicy(cfg.Ledger.PublicIndexInsert),
		Guard:  ledger.DeviationGuard{},
	})
	server, err := NewServer(cfg, Dependencies{Service: svc, Logger: suite.Logger})
	require.NoError(t, err)

	resolver := auth.NewResolver(testSecret, false)
	serviceToken, err := resolver.IssueToken(ledger.RoleService, time.Hour)
	require.NoError(t, err)
	userToken, err := resolver.IssueToken(ledger.RoleAuthenticated, time.Hour)
	require.NoError(t, err)

	return &apiFixture{
		suite:   suite,
		http:    testutils.NewHTTPTestHelper(suite, server.Router()),
		service: map[string]string{"Authorization": "Bearer " + serviceToken},
		authed:  map[string]string{"Authorization": "Bearer " + userToken},
	}
}

type snapshotEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		Snapshot  ledger.IndexSnapshot   `json:"snapshot"`
		Providers []ledger.ProviderPrice `json:"providers"`
		Audit     *ledger.AuditReport    `json:"audit"`
	} `json:"data"`
}

type errorEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Details string `json:"details"`
	} `json:"error"`
}

func provider(name, typ, price string) map[string]interface{} {
	return map[string]interface{}{
		"provider_name":         name,
		"provider_type":         typ,
		"original_price":        price,
		"effective_price":       price,
		"relative_weight":       "1",
		"absolute_weight":       "0.5",
		"weighted_contribution": "0.5",
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	var health map[string]interface{}
	f.http.GET("/health", nil).AssertStatus(http.StatusOK).DecodeJSON(&health)
	assert.Equal(t, "ok", health["status"])
	services := health["services"].(map[string]interface{})
	assert.Equal(t, "ok", services["store"])
	assert.Equal(t, "unavailable", services["database"])

	f.http.GET("/api/v1/views/latest-prices", nil).AssertStatus(http.StatusOK)
	f.http.GET("/metrics", nil).
		AssertStatus(http.StatusOK).
		AssertContains("t4_ledger_http_requests_total")
}

type fakeDatabase struct {
	migration *database.MigrationStatus
	err       error
}

func (f *fakeDatabase) GetHealthStatus(context.Context) map[string]interface{} {
	return map[string]interface{}{"healthy": true}
}

func (f *fakeDatabase) MigrationStatus(context.Context) (*database.MigrationStatus, error) {
	return f.migration, f.err
}

func TestHealthMigrationStatus(t *testing.T) {
	tests := []struct {
		name   string
		db     *fakeDatabase
		status string
	}{
		{"applied", &fakeDatabase{migration: &database.MigrationStatus{Version: 1, Applied: true}}, "ok"},
		{"dirty", &fakeDatabase{migration: &database.MigrationStatus{Version: 1, Dirty: true, Applied: true}}, "degraded"},
		{"not applied", &fakeDatabase{migration: &database.MigrationStatus{}}, "degraded"},
		{"unreadable", &fakeDatabase{err: fmt.Errorf("relation \"schema_migrations\" does not exist")}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			suite := testutils.NewTestSuite(t, nil)
			defer suite.TearDown()

			cfg := config.Default()
			cfg.App.Env = "test"
			server, err := NewServer(cfg, Dependencies{
				Service: suite.Service(ledger.Options{}),
				DB:      tt.db,
				Logger:  suite.Logger,
			})
			require.NoError(t, err)

			var health map[string]interface{}
			testutils.NewHTTPTestHelper(suite, server.Router()).
				GET("/health", nil).
				AssertStatus(http.StatusOK).
				DecodeJSON(&health)
			assert.Equal(t, tt.status, health["status"])
			services := health["services"].(map[string]interface{})
			assert.Contains(t, services, "migrations")
		})
	}
}

func TestRecordSnapshotWithProviders(t *testing.T) {
	f := newFixture(t, nil)

	body := map[string]interface{}{
		"index_price":           "1.2500",
		"hyperscaler_component": "0.9000",
		"neocloud_component":    "0.3500",
		"metadata":              map[string]string{"run": "test"},
		"providers": []interface{}{
			provider("AWS", "hyperscaler", "1.8000"),
			provider("Vast.ai", "neocloud", "0.7000"),
		},
	}

	var created snapshotEnvelope
	f.http.POST("/api/v1/index", body, f.service).AssertStatus(http.StatusCreated).DecodeJSON(&created)
	require.True(t, created.Success)
	assert.Equal(t, "1.25", created.Data.Snapshot.IndexPrice.String())
	require.NotNil(t, created.Data.Snapshot.HyperscalerCount)
	assert.Equal(t, 1, *created.Data.Snapshot.HyperscalerCount)
	assert.Len(t, created.Data.Providers, 2)
	require.NotNil(t, created.Data.Audit)

	id := created.Data.Snapshot.ID.String()

	var latest struct {
		Data  []ledger.LatestPrice `json:"data"`
		Count int                  `json:"count"`
	}
	f.http.GET("/api/v1/views/latest-prices", nil).AssertStatus(http.StatusOK).DecodeJSON(&latest)
	assert.Equal(t, 2, latest.Count)

	f.http.GET("/api/v1/index/"+id+"/providers", nil).AssertStatus(http.StatusOK).AssertContains("Vast.ai")
	f.http.GET("/api/v1/index/latest", nil).AssertStatus(http.StatusOK).AssertContains(id)
	f.http.GET("/api/v1/index/"+id+"/audit", nil).AssertStatus(http.StatusOK).AssertContains("snapshot_id")
	f.http.GET("/api/v1/views/price-history", nil).AssertStatus(http.StatusOK).AssertContains("avg_price")

	var deleted struct {
		Data DeleteResponse `json:"data"`
	}
	f.http.DELETE("/api/v1/index/"+id, f.service).AssertStatus(http.StatusOK).DecodeJSON(&deleted)
	assert.Equal(t, int64(2), deleted.Data.ProvidersRemoved)

	f.http.GET("/api/v1/index/"+id, nil).AssertStatus(http.StatusNotFound)
	f.http.GET("/api/v1/providers?index_id="+id, nil).AssertStatus(http.StatusOK).AssertContains(`"count":0`)
}

func TestAccessPolicy(t *testing.T) {
	f := newFixture(t, nil)
	body := map[string]interface{}{"index_price": "1.0000"}

	f.http.POST("/api/v1/index", body, nil).AssertStatus(http.StatusForbidden).AssertContains("FORBIDDEN")
	f.http.POST("/api/v1/index", body, f.authed).AssertStatus(http.StatusForbidden)
	f.http.POST("/api/v1/providers", provider("AWS", "hyperscaler", "1.0"), f.authed).AssertStatus(http.StatusForbidden)
	f.http.POST("/api/v1/index", body, f.service).AssertStatus(http.StatusCreated)

	f.http.GET("/api/v1/index", nil).AssertStatus(http.StatusOK).AssertContains(`"count":1`)
	f.http.GET("/api/v1/index", map[string]string{"Authorization": "Bearer forged"}).AssertStatus(http.StatusUnauthorized)
}

func TestPublicIndexInsert(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Ledger.PublicIndexInsert = true })

	f.http.POST("/api/v1/index", map[string]interface{}{"index_price": "1.0000"}, nil).AssertStatus(http.StatusCreated)
	f.http.POST("/api/v1/providers", provider("AWS", "hyperscaler", "1.0"), nil).AssertStatus(http.StatusForbidden)
}

func TestProviderLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	var created struct {
		Data []ledger.ProviderPrice `json:"data"`
	}
	rows := []interface{}{provider("AWS", "hyperscaler", "1.8000"), provider("Lambda", "neocloud", "0.9000")}
	f.http.POST("/api/v1/providers", rows, f.service).AssertStatus(http.StatusCreated).DecodeJSON(&created)
	require.Len(t, created.Data, 2)
	id := created.Data[0].ID

	update := provider("AWS", "hyperscaler", "1.7000")
	f.http.PUT(fmt.Sprintf("/api/v1/providers/%d", id), update, f.service).
		AssertStatus(http.StatusOK).
		AssertContains(`"effective_price":"1.7"`)

	f.http.GET("/api/v1/providers?provider_name=AWS", nil).AssertStatus(http.StatusOK).AssertContains(`"count":1`)

	f.http.DELETE(fmt.Sprintf("/api/v1/providers/%d", id), f.service).AssertStatus(http.StatusNoContent)
	f.http.DELETE(fmt.Sprintf("/api/v1/providers/%d", id), f.service).AssertStatus(http.StatusNotFound)
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"missing index price", http.MethodPost, "/api/v1/index", map[string]interface{}{}, http.StatusBadRequest, "INVALID_INPUT"},
		{"malformed json", http.MethodPost, "/api/v1/index", `{"index_price":`, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown provider type", http.MethodPost, "/api/v1/providers", provider("X", "cloud", "1.0"), http.StatusUnprocessableEntity, "DB_CONSTRAINT_ERROR"},
		{"dangling index id", http.MethodPost, "/api/v1/providers", func() map[string]interface{} {
			p := provider("X", "neocloud", "1.0")
			p["index_id"] = "00000000-0000-0000-0000-000000000001"
			return p
		}(), http.StatusUnprocessableEntity, "DB_FOREIGN_KEY_ERROR"},
		{"missing provider field", http.MethodPost, "/api/v1/providers", map[string]string{"provider_name": "X", "provider_type": "neocloud"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad uuid", http.MethodGet, "/api/v1/index/not-a-uuid", nil, http.StatusBadRequest, "DB_INVALID_FORMAT"},
		{"bad provider id", http.MethodDelete, "/api/v1/providers/abc", nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad since", http.MethodGet, "/api/v1/index?since=yesterday", nil, http.StatusBadRequest, "INVALID_INPUT"},
		{"no snapshot yet", http.MethodGet, "/api/v1/index/latest", nil, http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env errorEnvelope
			f.http.Request(tt.method, tt.path, tt.body, f.service).AssertStatus(tt.status).DecodeJSON(&env)
			assert.False(t, env.Success)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.RateLimit.Enabled = true
		c.RateLimit.RequestsPerMinute = 1
		c.RateLimit.Burst = 2
	})

	f.http.GET("/api/v1/index", nil).AssertStatus(http.StatusOK)
	f.http.GET("/api/v1/index", nil).AssertStatus(http.StatusOK)
	f.http.GET("/api/v1/index", nil).AssertStatus(http.StatusTooManyRequests)
	f.http.GET("/health", nil).AssertStatus(http.StatusOK)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.CORS.AllowedOrigins = []string{"https://t4.example.com"} })

	resp := f.http.Request(http.MethodOptions, "/api/v1/index", nil, map[string]string{"Origin": "https://t4.example.com"})
	resp.AssertStatus(http.StatusNoContent)
	assert.Equal(t, "https://t4.example.com", resp.Headers.Get("Access-Control-Allow-Origin"))

	resp = f.http.GET("/api/v1/index", map[string]string{"Origin": "https://evil.example.com"})
	assert.Empty(t, resp.Headers.Get("Access-Control-Allow-Origin"))
}
