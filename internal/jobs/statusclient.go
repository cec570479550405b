package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"roomvoice/internal/domain"
)

const maxStatusBody = 1 << 20

// HTTPStatusClient fetches job status from the report REST endpoints:
// 200 means done with a payload, 202 means still pending, anything else is a
// failure.
type HTTPStatusClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPStatusClient(baseURL string, client *http.Client) *HTTPStatusClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPStatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (c *HTTPStatusClient) Fetch(ctx context.Context, kind domain.JobKind, id string) (bool, []byte, error) {
	endpoint, err := c.endpoint(kind, id)
	if err != nil {
		return false, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, nil, fmt.Errorf("build status request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, nil, fmt.Errorf("fetch %s status: %w", kind, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
		if err != nil {
			return false, nil, fmt.Errorf("read %s report: %w", kind, err)
		}
		return true, payload, nil
	case http.StatusAccepted:
		return false, nil, nil
	default:
		return false, nil, fmt.Errorf("%s status request failed with HTTP %d", kind, resp.StatusCode)
	}
}

func (c *HTTPStatusClient) endpoint(kind domain.JobKind, id string) (string, error) {
	escaped := url.PathEscape(id)
	switch kind {
	case domain.JobKindOCR:
		return c.baseURL + "/v1/ocr/" + escaped, nil
	case domain.JobKindLLM:
		return c.baseURL + "/v1/llm/reports/" + escaped, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
}
