package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"loom/internal/config"
)

func TestHTTPExecutorDeploys(t *testing.T) {
	var gotAuth string
	var gotBody deployRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"reference":"deploy/42"}`))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Deploy.Enabled = true
	cfg.Deploy.Endpoint = server.URL
	cfg.Deploy.Token = "secret"
	cfg.Deploy.Repository = "docs-site"
	executor := NewExecutor(cfg)

	ref, err := executor.Deploy(context.Background(), Request{
		ItemKey:   "getting-started",
		Title:     "Getting Started",
		Artifacts: map[string][]byte{"verify": []byte("content")},
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if ref != "deploy/42" {
		t.Fatalf("reference = %q", ref)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotBody.ItemKey != "getting-started" || gotBody.Repository != "docs-site" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
	if gotBody.Artifacts["verify"] != "content" {
		t.Fatalf("artifacts = %+v", gotBody.Artifacts)
	}
}

func TestHTTPExecutorSurfacesFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Deploy.Enabled = true
	cfg.Deploy.Endpoint = server.URL
	executor := NewExecutor(cfg)

	_, err := executor.Deploy(context.Background(), Request{
		ItemKey:   "item-1",
		Artifacts: map[string][]byte{"verify": []byte("x")},
	})
	if !errors.Is(err, ErrDeployment) {
		t.Fatalf("error = %v, want ErrDeployment", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("error missing status: %v", err)
	}
}

func TestHTTPExecutorRejectsEmptyRequests(t *testing.T) {
	cfg := config.Default()
	cfg.Deploy.Enabled = true
	cfg.Deploy.Endpoint = "http://localhost:1"
	executor := NewExecutor(cfg)

	if _, err := executor.Deploy(context.Background(), Request{Artifacts: map[string][]byte{"a": nil}}); !errors.Is(err, ErrDeployment) {
		t.Fatalf("missing key error = %v", err)
	}
	if _, err := executor.Deploy(context.Background(), Request{ItemKey: "x"}); !errors.Is(err, ErrDeployment) {
		t.Fatalf("missing artifacts error = %v", err)
	}
}

func TestNoopExecutorMintsLocalReferences(t *testing.T) {
	cfg := config.Default()
	cfg.Deploy.Enabled = false
	executor := NewExecutor(cfg)

	ref, err := executor.Deploy(context.Background(), Request{ItemKey: "item-9"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !strings.HasPrefix(ref, "local/item-9/") {
		t.Fatalf("reference = %q", ref)
	}
}
