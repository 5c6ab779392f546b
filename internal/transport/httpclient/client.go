// Package httpclient implements transport.HttpClient over the standard
// library's net/http, the way the teacher's internal/infrastructure/tsdb
// client wraps net/http for outbound calls: a single *http.Client with a
// fixed timeout, explicit context plumbing, and careful body draining for
// connection reuse.
package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gcdcore/agent/internal/transport"
)

// Client sends each request on its own goroutine and reports the result via
// callback, fulfilling transport.HttpClient's async contract.
type Client struct {
	httpClient *http.Client
}

// New creates a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// SendRequest implements transport.HttpClient.
func (c *Client) SendRequest(ctx context.Context, method, url string, headers map[string]string, body []byte, callback func(*transport.Response, error)) {
	go func() {
		resp, err := c.do(ctx, method, url, headers, body)
		callback(resp, err)
	}()
}

func (c *Client) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (*transport.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &transport.Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}
