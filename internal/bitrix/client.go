package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Caller is the single-call surface used by reference rebuilds and push-back.
type Caller interface {
	Call(ctx context.Context, method string, payload any, out any) error
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Options struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxConns       int
}

func NewClient(baseURL string, opts Options) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 20
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.MaxIdleConnsPerHost = opts.MaxConns
	transport.MaxConnsPerHost = opts.MaxConns

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
	}
}

func (c *Client) Call(ctx context.Context, method string, payload any, out any) error {
	method = strings.TrimSpace(method)
	if method == "" {
		return fmt.Errorf("method is empty")
	}

	if !strings.HasSuffix(method, ".json") {
		method += ".json"
	}

	url := c.baseURL + method

	var bodyBytes []byte
	var err error
	if payload == nil {
		bodyBytes = []byte(`{}`)
	} else {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Method: method, Err: fmt.Errorf("read body: %w", err)}
	}

	var apiErr APIError
	_ = json.Unmarshal(raw, &apiErr)
	if !apiErr.IsZero() {
		return apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(raw, 512))}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w; raw=%s", err, truncate(raw, 512))
	}

	return nil
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
