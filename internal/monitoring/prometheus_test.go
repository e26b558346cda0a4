package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0shephard/t4-bot/internal/database"
	"github.com/0x0shephard/t4-bot/internal/errors"
	"github.com/0x0shephard/t4-bot/internal/ledger"
)

func TestObserveOperation(t *testing.T) {
	m := NewMetrics()

	m.ObserveOperation("insert_snapshot", "OK", 3*time.Millisecond)
	m.ObserveOperation("insert_snapshot", errors.ErrCodeForbidden, time.Millisecond)
	m.ObserveOperation("insert_snapshot", errors.ErrCodeForbidden, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerOperations.WithLabelValues("insert_snapshot", "OK")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ledgerOperations.WithLabelValues("insert_snapshot", "FORBIDDEN")))
}

func TestObserveAudit(t *testing.T) {
	m := NewMetrics()

	m.ObserveAudit(&ledger.AuditReport{})
	m.ObserveAudit(&ledger.AuditReport{Findings: []ledger.Finding{
		{Rule: ledger.RuleComponentSum},
		{Rule: ledger.RuleCategoryCount},
		{Rule: ledger.RuleCategoryCount},
	}})
	m.ObserveAudit(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditSnapshotsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditSnapshotsTotal.WithLabelValues("violation")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.auditFindingsTotal.WithLabelValues(ledger.RuleCategoryCount)))
}

func TestObservePool(t *testing.T) {
	m := NewMetrics()
	m.ObservePool(&database.PoolStats{OpenConnections: 4, InUse: 3, Idle: 1, WaitCount: 7})

	assert.Equal(t, 4.0, testutil.ToFloat64(m.dbOpenConnections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.dbInUse))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.dbWaitCount))
}

func TestMetricsMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()

	router := gin.New()
	router.Use(m.MetricsMiddleware())
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	for _, path := range []string{"/ok", "/ok", "/boom", "/missing"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/ok", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiErrorsTotal.WithLabelValues("/boom", "server_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiErrorsTotal.WithLabelValues("unmatched", "client_error")))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "t4_ledger_http_requests_total"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
