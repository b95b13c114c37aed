// ABOUTME: JSON-RPC-over-HTTP transport for downstream servers declared in config.
// ABOUTME: POSTs each request to the server endpoint and decodes the response body.

package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fernwood/mcp-relay/internal/jsonrpc"
)

// HTTPTransport speaks JSON-RPC over plain HTTP POST to a downstream server.
// It has no server-push channel, so notification handlers installed on it are
// never invoked; progress from HTTP servers arrives in call responses instead.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the given endpoint URL. The headers
// map is sent with every request, typically for bearer auth.
func NewHTTPTransport(url string, headers map[string]string) *HTTPTransport {
	return &HTTPTransport{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *HTTPTransport) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", t.url, err)
	}
	return resp, nil
}

// Call posts the request and decodes the JSON-RPC response from the body.
func (t *HTTPTransport) Call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}

	var out jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}

// Notify posts the notification and discards any response body.
func (t *HTTPTransport) Notify(ctx context.Context, req *jsonrpc.Request) error {
	resp, err := t.post(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

// SetNotificationHandler is a no-op; HTTP transports have no push channel.
func (t *HTTPTransport) SetNotificationHandler(fn func(*jsonrpc.Request)) {}

// Close releases idle connections held by the transport's HTTP client.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
