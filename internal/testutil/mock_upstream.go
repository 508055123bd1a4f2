// Package testutil provides TLS mock upstream servers for tests.
package testutil

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a configurable TLS mock upstream for testing. Handlers
// are keyed by "METHOD /path" or "/path" for any method.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount int
	pathCounts   map[string]int
	lastHeader   http.Header
	bodies       []string
}

// NewMockUpstream starts a TLS mock upstream.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
		}

		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastHeader = r.Header.Clone()
		mock.bodies = append(mock.bodies, string(body))
		mock.mu.Unlock()

		r.Body = io.NopCloser(bytes.NewReader(body))

		mock.mu.RLock()
		handler, exists := mock.handlers[r.Method+" "+r.URL.Path]
		if !exists {
			handler, exists = mock.handlers[r.URL.Path]
		}
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"no handler"}`))
	}))

	return mock
}

// URL returns the mock server URL (https).
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// CertPool returns a pool trusting the mock server certificate.
func (m *MockUpstream) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.server.Certificate())
	return pool
}

// CertPEM returns the mock server certificate PEM-encoded, for code that
// loads trust anchors from a file.
func (m *MockUpstream) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.server.Certificate().Raw})
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// CloseClientConnections forcibly drops open connections.
func (m *MockUpstream) CloseClientConnections() {
	m.server.CloseClientConnections()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.lastHeader = nil
	m.bodies = nil
}

// SetHandler sets a custom handler for a route ("POST /x" or "/x").
func (m *MockUpstream) SetHandler(route string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[route] = handler
}

// SetResponse configures a fixed response for a route.
func (m *MockUpstream) SetResponse(route string, resp MockResponse) {
	m.SetHandler(route, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetSequence serves resps in order, repeating the last one.
func (m *MockUpstream) SetSequence(route string, resps ...MockResponse) {
	var (
		mu sync.Mutex
		i  int
	)
	m.SetHandler(route, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := resps[i]
		if i < len(resps)-1 {
			i++
		}
		mu.Unlock()
		writeResponse(w, resp)
	})
}

// SetJSON serves v as JSON with status 200.
func (m *MockUpstream) SetJSON(route string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	m.SetResponse(route, NewOKResponse(string(data)))
}

// RequestCount returns the number of requests made to the server.
func (m *MockUpstream) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests made to path.
func (m *MockUpstream) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// LastHeader returns the headers of the most recent request.
func (m *MockUpstream) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// Bodies returns every request body received, in arrival order.
func (m *MockUpstream) Bodies() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.bodies...)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewOKResponse creates a standard 200 OK JSON response.
func NewOKResponse(data string) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: data}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message":"rate limit exceeded"}`,
		Headers:    map[string]string{},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 503 Service Unavailable response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusServiceUnavailable, Body: `{"message":"unavailable"}`}
}

// NewUnauthorizedResponse creates a 401 Unauthorized response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusUnauthorized, Body: `{"message":"unauthorized"}`}
}

// NewForbiddenResponse creates a 403 Forbidden response.
func NewForbiddenResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusForbidden, Body: `{"message":"forbidden"}`}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusBadRequest, Body: `{"message":"bad request"}`}
}
