package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/polyrun/polyrun/config"
	"github.com/polyrun/polyrun/internal/logging"
)

// newTestServer builds the HTTP surface over a real environment with one
// shell-backed language, so handlers exercise the full execute path without
// any interpreter installed.
func newTestServer(t *testing.T, limiter *rate.Limiter) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		PoolSize:       2,
		DefaultTimeout: 5 * time.Second,
		Languages: map[string]config.Language{
			"sh": {
				Kind:      config.KindSubprocess,
				Command:   []string{"sh", "{file}", "{args}"},
				Extension: ".sh",
				Harness:   `{entry} "$1"`,
			},
		},
	}
	env, err := buildEnv(cfg, logging.Discard(), "")
	if err != nil {
		t.Fatalf("buildEnv() error: %v", err)
	}
	t.Cleanup(env.Close)

	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	srv := httptest.NewServer(newServeMux(env, logging.Discard(), prometheus.NewRegistry(), limiter))
	t.Cleanup(srv.Close)
	return srv
}

func TestServeHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200", resp.StatusCode)
	}
}

func TestServeLanguages(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/languages")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var langs []string
	if err := json.NewDecoder(resp.Body).Decode(&langs); err != nil {
		t.Fatalf("decoding languages: %v", err)
	}
	if len(langs) != 1 || langs[0] != "sh" {
		t.Errorf("languages = %v, want [sh]", langs)
	}

	post, err := http.Post(srv.URL+"/languages", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /languages status = %d, want 405", post.StatusCode)
	}
}

func TestServeExecute(t *testing.T) {
	srv := newTestServer(t, nil)

	body := `{
		"lang": "sh",
		"source": "greet() { echo \"\\\"hi\\\"\"; }",
		"entry": "greet"
	}`
	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/execute status = %d, want 200", resp.StatusCode)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if out.Error != "" {
		t.Fatalf("execute error: %s", out.Error)
	}
	if string(out.Result) != `"hi"` {
		t.Errorf("result = %s, want \"hi\"", out.Result)
	}
}

func TestServeExecuteValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{not json`, http.StatusBadRequest},
		{"missing fields", `{"lang": "sh"}`, http.StatusBadRequest},
		{"bad argument", `{"lang": "sh", "source": "x() { :; }", "entry": "x", "args": [{"broken": }]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	get, err := http.Get(srv.URL + "/execute")
	if err != nil {
		t.Fatal(err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /execute status = %d, want 405", get.StatusCode)
	}
}

func TestServeExecuteRateLimited(t *testing.T) {
	srv := newTestServer(t, rate.NewLimiter(0, 0))

	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestServeMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", resp.StatusCode)
	}
}
