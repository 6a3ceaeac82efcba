package middleware

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthRequiresBearerOnV1(t *testing.T) {
	handler := RequestID(Auth("secret")(okHandler()))

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "valid", path: "/v1/reports/r-1", header: "Bearer secret", want: http.StatusOK},
		{name: "lowercase scheme", path: "/v1/reports/r-1", header: "bearer secret", want: http.StatusOK},
		{name: "wrong token", path: "/v1/reports/r-1", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "missing", path: "/v1/reports", header: "", want: http.StatusUnauthorized},
		{name: "basic", path: "/v1/reports", header: "Basic c2VjcmV0", want: http.StatusUnauthorized},
		{name: "health is open", path: "/healthz", header: "", want: http.StatusOK},
	}
	for _, tc := range cases {
		request := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			request.Header.Set("Authorization", tc.header)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.want, recorder.Code)
		}
		if tc.want == http.StatusUnauthorized && !strings.Contains(recorder.Body.String(), `"code":"unauthorized"`) {
			t.Fatalf("%s: expected error envelope, got %s", tc.name, recorder.Body.String())
		}
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	recorder := httptest.NewRecorder()
	Auth("")(okHandler()).ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/reports", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
}

func TestRateLimitRejectsBurstButNotProbes(t *testing.T) {
	handler := RateLimit(1, 2)(okHandler())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodGet, "/v1/reports/r-1", nil)
		request.RemoteAddr = "10.0.0.1:5000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		statuses = append(statuses, recorder.Code)
		if recorder.Code == http.StatusTooManyRequests && recorder.Header().Get("Retry-After") != "1" {
			t.Fatalf("expected Retry-After on rate limited response")
		}
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK || statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected statuses %v", statuses)
	}

	other := httptest.NewRequest(http.MethodGet, "/v1/reports/r-1", nil)
	other.RemoteAddr = "10.0.0.2:5000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, other)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected a separate bucket per client, got %d", recorder.Code)
	}

	for i := 0; i < 5; i++ {
		probe := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		probe.RemoteAddr = "10.0.0.1:5000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, probe)
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected health probes to bypass the limiter, got %d", recorder.Code)
		}
	}
}

func TestRequestIDPropagatesOrMints(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/v1/reports/r-1", nil)
	request.Header.Set("X-Request-Id", "client-abc-123")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if seen != "client-abc-123" || recorder.Header().Get("X-Request-Id") != "client-abc-123" {
		t.Fatalf("expected caller request id to propagate, got %q", seen)
	}

	request = httptest.NewRequest(http.MethodGet, "/v1/reports/r-1", nil)
	request.Header.Set("X-Request-Id", "bad id\"with quotes")
	handler.ServeHTTP(httptest.NewRecorder(), request)
	if seen == "" || strings.Contains(seen, " ") || len(seen) != 36 {
		t.Fatalf("expected a minted uuid for an invalid id, got %q", seen)
	}

	request = httptest.NewRequest(http.MethodGet, "/v1/reports/r-1", nil)
	request.Header.Set("X-Request-Id", strings.Repeat("x", maxRequestIDLength+1))
	handler.ServeHTTP(httptest.NewRecorder(), request)
	if len(seen) != 36 {
		t.Fatalf("expected a minted uuid for an oversized id, got %q", seen)
	}
}

func TestTraceLogsWritesAndFailures(t *testing.T) {
	var buffer bytes.Buffer
	logger := log.New(&buffer, "", 0)
	handler := RequestID(Trace(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/reports/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusAccepted)
		}
		_, _ = w.Write([]byte("{}"))
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/reports/r-1", nil))
	if buffer.Len() != 0 {
		t.Fatalf("expected fast successful GET to stay quiet, got %q", buffer.String())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/reports", nil))
	if !strings.Contains(buffer.String(), "method=POST path=/v1/reports status=202 bytes=2") {
		t.Fatalf("expected POST trace line, got %q", buffer.String())
	}

	buffer.Reset()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/reports/missing", nil))
	if !strings.Contains(buffer.String(), "status=404") {
		t.Fatalf("expected failed GET to be traced, got %q", buffer.String())
	}
}
