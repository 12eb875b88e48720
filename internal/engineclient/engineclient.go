// Package engineclient is the worker adapter's (C5) HTTP client to the
// external inference engine: one Route per job_type, each carrying its
// own submit/status URL pair (§6 "Inference engine contract").
package engineclient

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

	"github.com/yungbote/gpudispatch/internal/wire"
)

// ErrUnknownJobType is returned when no Route is configured for a
// job_type the caller asks to submit or poll.
var ErrUnknownJobType = errors.New("engineclient: no route configured for job_type")

// HTTPError is a non-2xx response from the engine.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("engine http error: status=%d body=%s", e.StatusCode, truncate(e.Body, 500))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Route carries the submit/status URL pair the adapter must know for
// one job_type, generalized from the teacher's
// router.Route{PublicModel, UpstreamModel, Engine} shape.
type Route struct {
	JobType   string
	SubmitURL string
	StatusURL string
}

// Options configures the Client, mirroring the teacher's
// inference/client.Options (Timeout/MaxRetries/HTTPClient) narrowed to
// what a submit+poll engine client needs.
type Options struct {
	Routes     []Route
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client dispatches requests to the inference engine.
type Client struct {
	routes     map[string]Route
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

// New constructs a Client from explicit Options.
func New(opts Options) (*Client, error) {
	if len(opts.Routes) == 0 {
		return nil, errors.New("engineclient: at least one route required")
	}
	routes := make(map[string]Route, len(opts.Routes))
	for _, r := range opts.Routes {
		jobType := strings.TrimSpace(r.JobType)
		if jobType == "" || strings.TrimSpace(r.SubmitURL) == "" || strings.TrimSpace(r.StatusURL) == "" {
			return nil, fmt.Errorf("engineclient: route %+v missing job_type/submit_url/status_url", r)
		}
		routes[jobType] = r
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		routes:     routes,
		timeout:    timeout,
		maxRetries: maxRetries,
		httpClient: hc,
	}, nil
}

// Submit POSTs request_body to the route's submit URL and returns the
// engine's own job id (§4.2 step 5).
func (c *Client) Submit(ctx context.Context, jobType string, requestBody json.RawMessage) (string, error) {
	route, ok := c.routes[jobType]
	if !ok {
		return "", ErrUnknownJobType
	}

	var resp wire.EngineSubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, route.SubmitURL, requestBody, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.JobID) == "" {
		return "", fmt.Errorf("engineclient: submit response missing job_id")
	}
	return resp.JobID, nil
}

// Status GETs the route's status URL for engineJobID (§4.2 step 6).
func (c *Client) Status(ctx context.Context, jobType string, engineJobID string) (wire.EngineStatusResponse, error) {
	route, ok := c.routes[jobType]
	if !ok {
		return wire.EngineStatusResponse{}, ErrUnknownJobType
	}

	url := route.StatusURL
	if strings.Contains(url, "{id}") {
		url = strings.ReplaceAll(url, "{id}", engineJobID)
	} else {
		url = strings.TrimRight(url, "/") + "/" + engineJobID
	}

	var resp wire.EngineStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return wire.EngineStatusResponse{}, err
	}
	return resp, nil
}

// Terminal reports whether an engine status string is an endpoint the
// poll loop (§4.2 step 6) should stop on.
func Terminal(status string) bool {
	return status == "completed" || status == "failed"
}

func (c *Client) doJSON(ctx context.Context, method string, url string, body json.RawMessage, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			_ = resp.Body.Close()
			if readErr != nil {
				return readErr
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				lastErr = &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
			} else {
				if out == nil {
					return nil
				}
				return json.Unmarshal(raw, out)
			}
		}

		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
	}

	if lastErr == nil {
		lastErr = errors.New("engineclient: request failed")
	}
	return lastErr
}
