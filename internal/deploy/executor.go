package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
)

// ErrDeployment marks a failed deployment. The work item is stalled for
// operator retry; pipeline state stays intact.
var ErrDeployment = errors.New("deployment failed")

// Request carries one fully-approved work item's artifacts to the target.
type Request struct {
	ItemKey   string
	Title     string
	Artifacts map[string][]byte
}

// Executor publishes approved content and returns an opaque deployment
// reference for the work item record.
type Executor interface {
	Deploy(ctx context.Context, req Request) (string, error)
}

// NewExecutor builds the configured executor. Deployment disabled in
// configuration yields a local no-op that still mints references so the
// rest of the pipeline behaves identically.
func NewExecutor(cfg *config.Config) Executor {
	if !cfg.Deploy.Enabled || strings.TrimSpace(cfg.Deploy.Endpoint) == "" {
		return noopExecutor{}
	}
	timeout := time.Duration(cfg.Deploy.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpExecutor{
		endpoint:   strings.TrimSpace(cfg.Deploy.Endpoint),
		token:      strings.TrimSpace(cfg.Deploy.Token),
		repository: strings.TrimSpace(cfg.Deploy.Repository),
		client:     &http.Client{Timeout: timeout},
	}
}

// httpExecutor POSTs the artifact bundle to a publishing endpoint.
type httpExecutor struct {
	endpoint   string
	token      string
	repository string
	client     *http.Client
}

type deployRequest struct {
	ItemKey    string            `json:"item_key"`
	Title      string            `json:"title,omitempty"`
	Repository string            `json:"repository,omitempty"`
	Artifacts  map[string]string `json:"artifacts"`
}

type deployResponse struct {
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

func (e *httpExecutor) Deploy(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.ItemKey) == "" {
		return "", fmt.Errorf("%w: item key required", ErrDeployment)
	}
	if len(req.Artifacts) == 0 {
		return "", fmt.Errorf("%w: no artifacts to publish for %s", ErrDeployment, req.ItemKey)
	}

	body := deployRequest{
		ItemKey:    req.ItemKey,
		Title:      req.Title,
		Repository: e.repository,
		Artifacts:  make(map[string]string, len(req.Artifacts)),
	}
	for name, data := range req.Artifacts {
		body.Artifacts[name] = string(data)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrDeployment, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrDeployment, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeployment, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrDeployment, err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: endpoint returned %d: %s",
			ErrDeployment, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded deployResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrDeployment, err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrDeployment, decoded.Error)
	}
	if strings.TrimSpace(decoded.Reference) == "" {
		return "", fmt.Errorf("%w: endpoint returned no reference", ErrDeployment)
	}
	return decoded.Reference, nil
}

// noopExecutor mints local references without publishing anywhere.
type noopExecutor struct{}

func (noopExecutor) Deploy(_ context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.ItemKey) == "" {
		return "", fmt.Errorf("%w: item key required", ErrDeployment)
	}
	return fmt.Sprintf("local/%s/%d", req.ItemKey, time.Now().UTC().Unix()), nil
}
