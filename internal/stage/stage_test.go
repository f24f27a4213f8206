package stage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loom/internal/generator"
	"loom/internal/queue"
)

type scriptedGenerator struct {
	responses []string
	errs      []error
	calls     int
}

func (g *scriptedGenerator) Generate(context.Context, string, string, generator.Params) (string, error) {
	i := g.calls
	g.calls++
	var err error
	if i < len(g.errs) {
		err = g.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(g.responses) {
		return g.responses[i], nil
	}
	return "", errors.New("script exhausted")
}

func transientErr(t *testing.T) error {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()
	client := generator.NewClient(generator.Config{APIKey: "k", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), "s", "u", generator.Params{})
	if err == nil || !generator.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	return err
}

func TestGenerateWithRetryRecoversFromTransientFailure(t *testing.T) {
	gen := &scriptedGenerator{
		errs:      []error{transientErr(t), nil},
		responses: []string{"", "second try"},
	}
	got, err := GenerateWithRetry(context.Background(), gen, "sys", "user", generator.Params{}, 2)
	if err != nil {
		t.Fatalf("GenerateWithRetry: %v", err)
	}
	if got != "second try" || gen.calls != 2 {
		t.Fatalf("got %q after %d calls", got, gen.calls)
	}
}

func TestGenerateWithRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("invalid prompt")
	gen := &scriptedGenerator{errs: []error{permanent}}
	_, err := GenerateWithRetry(context.Background(), gen, "sys", "user", generator.Params{}, 5)
	if !errors.Is(err, permanent) {
		t.Fatalf("error = %v, want permanent error", err)
	}
	if gen.calls != 1 {
		t.Fatalf("calls = %d, want 1", gen.calls)
	}
}

func TestGenerateWithRetryExhaustsBudget(t *testing.T) {
	transient := transientErr(t)
	gen := &scriptedGenerator{errs: []error{transient, transient, transient}}
	start := time.Now()
	_, err := GenerateWithRetry(context.Background(), gen, "sys", "user", generator.Params{}, 2)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if gen.calls != 3 {
		t.Fatalf("calls = %d, want 3", gen.calls)
	}
	if elapsed := time.Since(start); elapsed < retryBaseDelay {
		t.Fatalf("no backoff observed (elapsed %v)", elapsed)
	}
}

func TestGenerateWithRetryHonorsRetryAfter(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"done"}}]}`))
	}))
	defer server.Close()

	var slept []time.Duration
	client := generator.NewClient(generator.Config{APIKey: "k", BaseURL: server.URL},
		generator.WithBackoff(100*time.Millisecond, 10*time.Second),
		generator.WithSleeper(func(d time.Duration) { slept = append(slept, d) }))

	got, err := GenerateWithRetry(context.Background(), client, "sys", "user", generator.Params{}, 2)
	if err != nil {
		t.Fatalf("GenerateWithRetry: %v", err)
	}
	if got != "done" || requests != 2 {
		t.Fatalf("got %q after %d requests", got, requests)
	}
	if len(slept) != 1 || slept[0] != 3*time.Second {
		t.Fatalf("sleeps = %v, want the server's Retry-After", slept)
	}
}

func TestGenerateWithRetryHonorsCancellation(t *testing.T) {
	transient := transientErr(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &scriptedGenerator{errs: []error{transient, transient}}
	_, err := GenerateWithRetry(ctx, gen, "sys", "user", generator.Params{}, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	item := &queue.Item{}
	payload := &Payload{
		Source:      "uploads/pattern.png",
		Description: "a three tier web service",
		Components:  []Component{{ID: "api", Type: "service"}},
	}
	if err := SavePayload(item, payload); err != nil {
		t.Fatalf("SavePayload: %v", err)
	}
	got, err := ParsePayload(item)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if got.Source != payload.Source || len(got.Components) != 1 || got.Components[0].ID != "api" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	empty, err := ParsePayload(&queue.Item{})
	if err != nil || empty == nil {
		t.Fatalf("ParsePayload empty = %+v, %v", empty, err)
	}
}

func TestNotesForStage(t *testing.T) {
	payload := &Payload{ReviewNotes: []ReviewNote{
		{Stage: "specify", Reviewer: "alice", Decision: "conditional_approve", Comments: "merge the two cache components"},
		{Stage: "generate", Reviewer: "bob", Decision: "approve", Comments: "fine"},
		{Stage: "specify", Reviewer: "alice", Decision: "approve"},
	}}
	got := payload.NotesForStage("specify")
	want := "Reviewer alice (conditional_approve): merge the two cache components"
	if got != want {
		t.Fatalf("NotesForStage = %q, want %q", got, want)
	}
	if payload.NotesForStage("validate") != "" {
		t.Fatal("expected no notes for validate")
	}
}

func TestCheckStage(t *testing.T) {
	if err := CheckStage("validating", "validating"); err != nil {
		t.Fatalf("CheckStage match: %v", err)
	}
	if err := CheckStage("documenting", "validating"); err == nil {
		t.Fatal("expected mismatch error")
	}
}
