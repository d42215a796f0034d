// Package collab holds HTTP clients for the external content generator and
// document renderer.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// ContentGenerator produces report content for one item.
type ContentGenerator interface {
	Generate(ctx context.Context, item types.WorkItem) ([]byte, error)
}

// Renderer turns report content into a document.
type Renderer interface {
	Render(ctx context.Context, item types.WorkItem, content []byte) ([]byte, error)
}

// ErrTimeout marks a collaborator call that did not answer in time.
var ErrTimeout = errors.New("collaborator timeout")

// StatusError is a non-2xx response from a collaborator.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Service, e.Code, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// maxBody caps how much of a response is read.
const maxBody = 64 << 20

type client struct {
	http    *http.Client
	url     string
	service string
	timeout time.Duration
}

func newClient(service, endpoint string, timeout time.Duration) (client, error) {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return client{}, fmt.Errorf("%s endpoint %q is not a URL", service, endpoint)
	}
	return client{
		http:    &http.Client{},
		url:     strings.TrimRight(endpoint, "/"),
		service: service,
		timeout: timeout,
	}, nil
}

func (c client) post(ctx context.Context, target, contentType string, body []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s request: %w: %w", c.service, ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%s request failed: %w", c.service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s response: %w: %w", c.service, ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("reading %s response: %w", c.service, err)
	}
	if resp.StatusCode >= 300 {
		return nil, &StatusError{Service: c.service, Code: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}
	return respBody, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// HTTPGenerator calls the content generation service.
type HTTPGenerator struct {
	client
}

var _ ContentGenerator = (*HTTPGenerator)(nil)

// NewHTTPGenerator creates a generator posting to endpoint. A zero timeout
// leaves the deadline to the caller's context.
func NewHTTPGenerator(endpoint string, timeout time.Duration) (*HTTPGenerator, error) {
	c, err := newClient("content generator", endpoint, timeout)
	if err != nil {
		return nil, err
	}
	return &HTTPGenerator{client: c}, nil
}

// generateResponse is the generator's reply. Content is returned verbatim.
type generateResponse struct {
	Content json.RawMessage `json:"content"`
}

// Generate posts the item and returns the content field of the reply.
func (g *HTTPGenerator) Generate(ctx context.Context, item types.WorkItem) ([]byte, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshaling generator input: %w", err)
	}
	raw, err := g.post(ctx, g.url, "application/json", body)
	if err != nil {
		return nil, err
	}
	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("content generator output invalid: %w", err)
	}
	if len(out.Content) == 0 || string(out.Content) == "null" {
		return nil, nil
	}
	return out.Content, nil
}

// HTTPRenderer calls the document rendering service.
type HTTPRenderer struct {
	client
}

var _ Renderer = (*HTTPRenderer)(nil)

// NewHTTPRenderer creates a renderer posting to endpoint.
func NewHTTPRenderer(endpoint string, timeout time.Duration) (*HTTPRenderer, error) {
	c, err := newClient("renderer", endpoint, timeout)
	if err != nil {
		return nil, err
	}
	return &HTTPRenderer{client: c}, nil
}

// Render posts the content and returns the rendered document bytes.
func (r *HTTPRenderer) Render(ctx context.Context, item types.WorkItem, content []byte) ([]byte, error) {
	q := url.Values{}
	q.Set("identifier", item.Identifier)
	q.Set("as_of_date", item.AsOfDate)
	doc, err := r.post(ctx, r.url+"?"+q.Encode(), "application/json", content)
	if err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("renderer returned an empty document")
	}
	return doc, nil
}
