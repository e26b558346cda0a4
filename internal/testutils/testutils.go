package testutils

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0shephard/t4-bot/internal/ledger"
	"github.com/0x0shephard/t4-bot/internal/logging"
)

// TestConfig configures a TestSuite
type TestConfig struct {
	LogLevel string
	Now      time.Time
}

// DefaultTestConfig keeps test output quiet and pins the clock
func DefaultTestConfig() *TestConfig {
	return &TestConfig{
		LogLevel: "error",
		Now:      time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
}

// TestSuite bundles the fixtures most package tests need
type TestSuite struct {
	T       *testing.T
	Config  *TestConfig
	Logger  *logging.Logger
	Store   *ledger.MemoryStore
	TempDir string
	Cleanup []func()

	mu  sync.Mutex
	now time.Time
}

// NewTestSuite creates a suite with a temp dir, a quiet logger and an empty in-memory ledger
func NewTestSuite(t *testing.T, config *TestConfig) *TestSuite {
	if config == nil {
		config = DefaultTestConfig()
	}
	if config.Now.IsZero() {
		config.Now = DefaultTestConfig().Now
	}

	logger, err := logging.NewLogger(&logging.LogConfig{
		Level:  config.LogLevel,
		Format: "text",
		Output: "discard",
	})
	require.NoError(t, err)

	suite := &TestSuite{
		T:       t,
		Config:  config,
		Logger:  logger,
		TempDir: t.TempDir(),
		now:     config.Now,
	}
	suite.Store = ledger.NewMemoryStoreWithClock(suite.Now)

	return suite
}

// Now is the suite clock
func (s *TestSuite) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the suite clock forward
func (s *TestSuite) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

// Service returns a ledger service over the suite store and clock
func (s *TestSuite) Service(opts ledger.Options) *ledger.Service {
	if opts.Logger == nil {
		opts.Logger = s.Logger
	}
	if opts.Now == nil {
		opts.Now = s.Now
	}
	return ledger.NewService(s.Store, opts)
}

// AddCleanup registers a function run by TearDown in reverse order
func (s *TestSuite) AddCleanup(cleanup func()) {
	s.Cleanup = append(s.Cleanup, cleanup)
}

// TearDown runs the registered cleanups
func (s *TestSuite) TearDown() {
	for i := len(s.Cleanup) - 1; i >= 0; i-- {
		s.Cleanup[i]()
	}
	s.Cleanup = nil
}

// CreateTempFile writes content to name inside the suite temp dir
func (s *TestSuite) CreateTempFile(name, content string) string {
	filePath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(s.T, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

// Chdir switches the working directory for the rest of the test
func (s *TestSuite) Chdir(dir string) {
	wd, err := os.Getwd()
	require.NoError(s.T, err)
	require.NoError(s.T, os.Chdir(dir))
	s.AddCleanup(func() { os.Chdir(wd) })
}

// SetEnv sets an environment variable for the duration of the test
func SetEnv(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

// HTTPTestHelper drives a gin engine through httptest
type HTTPTestHelper struct {
	Router *gin.Engine
	Suite  *TestSuite
}

// NewHTTPTestHelper wraps router, creating a bare test-mode engine when it is nil
func NewHTTPTestHelper(suite *TestSuite, router *gin.Engine) *HTTPTestHelper {
	gin.SetMode(gin.TestMode)
	if router == nil {
		router = gin.New()
	}
	return &HTTPTestHelper{
		Router: router,
		Suite:  suite,
	}
}

// GET sends a GET request
func (h *HTTPTestHelper) GET(path string, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodGet, path, nil, headers)
}

// POST sends a JSON POST request
func (h *HTTPTestHelper) POST(path string, body interface{}, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodPost, path, body, headers)
}

// PUT sends a JSON PUT request
func (h *HTTPTestHelper) PUT(path string, body interface{}, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodPut, path, body, headers)
}

// DELETE sends a DELETE request
func (h *HTTPTestHelper) DELETE(path string, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodDelete, path, nil, headers)
}

// Request sends a request. A string or []byte body is sent verbatim, anything else as JSON.
func (h *HTTPTestHelper) Request(method, path string, body interface{}, headers map[string]string) *HTTPResponse {
	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		bodyReader = bytes.NewBufferString(b)
	case []byte:
		bodyReader = bytes.NewReader(b)
	default:
		bodyBytes, err := json.Marshal(b)
		require.NoError(h.Suite.T, err)
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	return &HTTPResponse{
		StatusCode: w.Code,
		Body:       w.Body.Bytes(),
		Headers:    w.Header(),
		suite:      h.Suite,
	}
}

// HTTPResponse is a recorded response
type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	suite      *TestSuite
}

// AssertStatus asserts the status code, printing the body on mismatch
func (r *HTTPResponse) AssertStatus(expectedStatus int) *HTTPResponse {
	assert.Equal(r.suite.T, expectedStatus, r.StatusCode, string(r.Body))
	return r
}

// AssertContains asserts the body contains substring
func (r *HTTPResponse) AssertContains(substring string) *HTTPResponse {
	assert.Contains(r.suite.T, string(r.Body), substring)
	return r
}

// DecodeJSON unmarshals the body into target and fails the test on error
func (r *HTTPResponse) DecodeJSON(target interface{}) {
	require.NoError(r.suite.T, json.Unmarshal(r.Body, target), string(r.Body))
}
