package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"tandem/cmd/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func TestWithCORS(t *testing.T) {
	t.Parallel()

	cfg := Config{
		CORSAllowedOrigins:   []string{"https://app.example.com/", "http://127.0.0.1:*"},
		CORSAllowCredentials: true,
		CORSMaxAgeSeconds:    600,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), cfg, log)

	cases := []struct {
		name    string
		method  string
		path    string
		origin  string
		headers map[string]string

		status int
		want   map[string]string // response headers; "" means absent
	}{
		{
			name: "preflight echoes requested headers", method: http.MethodOptions, path: "/v1/events/ev-1",
			origin: "https://app.example.com",
			headers: map[string]string{
				"Access-Control-Request-Method":  http.MethodPatch,
				"Access-Control-Request-Headers": "Authorization, Content-Type",
			},
			status: http.StatusNoContent,
			want: map[string]string{
				"Access-Control-Allow-Origin":      "https://app.example.com",
				"Access-Control-Allow-Credentials": "true",
				"Access-Control-Allow-Headers":     "Authorization, Content-Type",
				"Access-Control-Max-Age":           "600",
			},
		},
		{
			name: "preflight default headers", method: http.MethodOptions, path: "/v1/events",
			origin:  "https://APP.example.com",
			headers: map[string]string{"Access-Control-Request-Method": http.MethodPost},
			status:  http.StatusNoContent,
			want:    map[string]string{"Access-Control-Allow-Headers": "Authorization, Content-Type"},
		},
		{
			name: "wildcard port", method: http.MethodGet, path: "/healthz",
			origin: "http://127.0.0.1:55123",
			status: http.StatusTeapot,
			want:   map[string]string{"Access-Control-Allow-Origin": "http://127.0.0.1:55123"},
		},
		{
			name: "wildcard port needs digits", method: http.MethodGet, path: "/healthz",
			origin: "http://127.0.0.1:abc",
			status: http.StatusForbidden,
		},
		{
			name: "disallowed origin", method: http.MethodGet, path: "/v1/events",
			origin: "https://evil.example.com",
			status: http.StatusForbidden,
			want:   map[string]string{"Access-Control-Allow-Origin": ""},
		},
		{
			name: "no origin", method: http.MethodGet, path: "/v1/events",
			status: http.StatusTeapot,
			want:   map[string]string{"Access-Control-Allow-Origin": ""},
		},
		{
			name: "ws enforces its own policy", method: http.MethodGet, path: "/ws",
			origin: "https://other.example.com",
			status: http.StatusTeapot,
			want:   map[string]string{"Access-Control-Allow-Origin": ""},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("status=%d want=%d", rr.Code, tc.status)
			}
			for k, v := range tc.want {
				if got := rr.Header().Get(k); got != v {
					t.Fatalf("%s=%q want=%q", k, got, v)
				}
			}
		})
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.NotFoundHandler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))

	for k, v := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s=%q want=%q", k, got, v)
		}
	}
}

func TestWithRequestLogging_LevelAndMetrics(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	m := metrics.New()

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("stale"))
	}), log, m)

	req := httptest.NewRequest(http.MethodPatch, "/v1/events/ev-1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var line struct {
		Level  string `json:"level"`
		Msg    string `json:"msg"`
		Status int    `json:"status"`
		Class  string `json:"status_class"`
		Result string `json:"result"`
		Bytes  int64  `json:"bytes"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line.Level != "WARN" || line.Msg != "http.request" || line.Status != 409 || line.Class != "4xx" || line.Result != "client_error" || line.Bytes != 5 {
		t.Fatalf("log line = %+v", line)
	}
	n, err := testutil.GatherAndCount(m.Registry(), "tandem_http_request_duration_seconds")
	if err != nil || n != 1 {
		t.Fatalf("histogram series = %d (%v), want 1", n, err)
	}
}
