package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Freight/internal/classify"
	"github.com/shaiso/Freight/internal/domain"
)

// --- HTTPTarget Tests ---

func TestHTTPTarget_Send_Success(t *testing.T) {
	tenantID := uuid.New()
	var received map[string]any
	var gotPath, gotMethod, gotKey, gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	target := NewHTTPTarget(TargetConfig{
		Name:    "attio",
		BaseURL: server.URL + "/",
		Path:    "/v2/records/{id}",
		Headers: map[string]string{"Authorization": "Bearer secret"},
	}, nil)

	err := target.Send(context.Background(), tenantID, domain.Record{
		ID:      "rec-1",
		Payload: map[string]any{"name": "Acme"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPut {
		t.Errorf("expected PUT, got %s", gotMethod)
	}
	if gotPath != "/v2/records/rec-1" {
		t.Errorf("unexpected path: %s", gotPath)
	}
	if gotKey != tenantID.String()+":rec-1" {
		t.Errorf("unexpected idempotency key: %s", gotKey)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("expected Authorization header, got %q", gotAuth)
	}

	data, ok := received["data"].(map[string]any)
	if !ok || data["name"] != "Acme" {
		t.Errorf("server should receive payload, got %v", received)
	}
}

func TestHTTPTarget_Send_EscapesRecordID(t *testing.T) {
	tests := []struct {
		id       string
		wantPath string
	}{
		{"acme?x=1", "/records/acme%3Fx=1"},
		{"acme#2", "/records/acme%232"},
		{"org/acme", "/records/org%2Facme"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			var gotEscaped, gotQuery, gotFragment string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotEscaped = r.URL.EscapedPath()
				gotQuery = r.URL.RawQuery
				gotFragment = r.URL.Fragment
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			target := NewHTTPTarget(TargetConfig{Name: "t", BaseURL: server.URL}, nil)
			if err := target.Send(context.Background(), uuid.New(), domain.Record{ID: tt.id}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if gotEscaped != tt.wantPath {
				t.Errorf("expected path %s, got %s", tt.wantPath, gotEscaped)
			}
			if gotQuery != "" || gotFragment != "" {
				t.Errorf("record id leaked into query %q or fragment %q", gotQuery, gotFragment)
			}
		})
	}
}

func TestHTTPTarget_Send_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		kind       domain.ErrorKind
		after      time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "30", domain.ErrorKindRateLimited, 30 * time.Second},
		{"server error", http.StatusBadGateway, "", domain.ErrorKindTransient, 0},
		{"not found", http.StatusNotFound, "", domain.ErrorKindPermanent, 0},
		{"validation", http.StatusUnprocessableEntity, "", domain.ErrorKindPermanent, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			target := NewHTTPTarget(TargetConfig{Name: "t", BaseURL: server.URL}, nil)
			err := target.Send(context.Background(), uuid.New(), domain.Record{ID: "r"})
			if err == nil {
				t.Fatal("expected error")
			}

			var te *classify.TransferError
			if !errors.As(err, &te) {
				t.Fatalf("expected *classify.TransferError, got %T", err)
			}
			if te.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, te.StatusCode)
			}

			c := classify.Classify(err)
			if c.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, c.Kind)
			}
			if tt.after > 0 && c.RetryAfter != tt.after {
				t.Errorf("expected retry after %v, got %v", tt.after, c.RetryAfter)
			}
		})
	}
}

func TestHTTPTarget_Send_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	target := NewHTTPTarget(TargetConfig{Name: "t", BaseURL: server.URL, TimeoutSec: 0.05}, nil)
	err := target.Send(context.Background(), uuid.New(), domain.Record{ID: "r"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrHTTPRequest) {
		t.Errorf("expected ErrHTTPRequest, got %v", err)
	}
	if c := classify.Classify(err); c.Kind != domain.ErrorKindTransient || c.Unknown {
		t.Errorf("timeout must classify as transient, got %+v", c)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	if got := parseRetryAfter("45", now); got != 45*time.Second {
		t.Errorf("expected 45s, got %v", got)
	}
	if got := parseRetryAfter("", now); got != 0 {
		t.Errorf("expected 0 for empty header, got %v", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != 90*time.Second {
		t.Errorf("expected 90s for HTTP date, got %v", got)
	}
	if got := parseRetryAfter("garbage", now); got != 0 {
		t.Errorf("expected 0 for invalid header, got %v", got)
	}
}

// --- Registry Tests ---

func TestRegistry_Transfer(t *testing.T) {
	r := NewRegistry()
	var calls int
	r.Register("attio", TargetFunc(func(_ context.Context, _ uuid.UUID, _ domain.Record) error {
		calls++
		return nil
	}))

	if err := r.Transfer(context.Background(), uuid.New(), "attio", domain.Record{ID: "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}

	err := r.Transfer(context.Background(), uuid.New(), "missing", domain.Record{ID: "1"})
	if !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
	if classify.Classify(err).Kind != domain.ErrorKindPermanent {
		t.Error("unknown target must be permanent")
	}

	if !r.Has("attio") || r.Has("missing") {
		t.Error("Has returned unexpected result")
	}
}

// --- Config Tests ---

func TestParseTargets(t *testing.T) {
	t.Setenv("ATTIO_KEY", "k-123")

	data := []byte(`
targets:
  - name: attio
    base_url: https://api.attio.com
    path: /v2/objects/companies/records/{id}
    headers:
      Authorization: Bearer ${ATTIO_KEY}
    rate_limit: 10
    burst: 5
`)

	targets, err := ParseTargets(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	if targets[0].Headers["Authorization"] != "Bearer k-123" {
		t.Errorf("env var not expanded: %q", targets[0].Headers["Authorization"])
	}
	if targets[0].RateLimit != 10 || targets[0].Burst != 5 {
		t.Errorf("unexpected rate limit: %+v", targets[0])
	}

	registry := NewRegistryFromConfig(targets, nil)
	if !registry.Has("attio") {
		t.Error("expected attio to be registered")
	}
}

func TestParseTargets_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing name":     "targets:\n  - base_url: http://x\n",
		"missing base_url": "targets:\n  - name: a\n",
		"duplicate":        "targets:\n  - name: a\n    base_url: http://x\n  - name: a\n    base_url: http://y\n",
	}

	for name, data := range cases {
		if _, err := ParseTargets([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
