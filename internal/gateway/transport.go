package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/studypulse/crawldispatch/internal/dispatch"
)

// HTTPTransport implements dispatch.AgentTransport over the agents' HTTP
// surface: POST /crawl for work, GET /health for probes.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport builds a transport; client defaults to a 2-minute-timeout
// http.Client. Attempt deadlines come from the caller's context, so the
// client timeout is only a final backstop.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPTransport{client: client}
}

// Crawl posts the request to <endpoint>/crawl. A 202 means the agent took the
// job and will deliver the result through the callback endpoint; a 200
// carries the synchronous result body. Errors are returned classified.
func (t *HTTPTransport) Crawl(ctx context.Context, endpoint string, req dispatch.CrawlRequest) (dispatch.AgentResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return dispatch.AgentResult{}, dispatch.NewAgentCallError(
			dispatch.FailurePermanent,
			fmt.Errorf("marshal crawl request: %w", err),
		)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/crawl", bytes.NewReader(body))
	if err != nil {
		return dispatch.AgentResult{}, dispatch.NewAgentCallError(
			dispatch.FailurePermanent,
			fmt.Errorf("build crawl request: %w", err),
		)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return dispatch.AgentResult{}, dispatch.NewAgentCallError(dispatch.ClassifyNetError(err), err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return dispatch.AgentResult{Accepted: true}, nil
	case resp.StatusCode == http.StatusOK:
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if readErr != nil {
			return dispatch.AgentResult{}, dispatch.NewAgentCallError(
				dispatch.FailureTransient,
				fmt.Errorf("read crawl response: %w", readErr),
			)
		}
		return dispatch.AgentResult{Payload: payload}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return dispatch.AgentResult{}, dispatch.NewAgentCallError(
			dispatch.FailurePermanent,
			fmt.Errorf("agent rejected request: %s", resp.Status),
		)
	default:
		return dispatch.AgentResult{}, dispatch.NewAgentCallError(
			dispatch.FailureTransient,
			fmt.Errorf("agent returned %s", resp.Status),
		)
	}
}

// Health probes <endpoint>/health; any non-2xx status is a failure.
func (t *HTTPTransport) Health(ctx context.Context, endpoint string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe returned %s", resp.Status)
	}
	return nil
}
