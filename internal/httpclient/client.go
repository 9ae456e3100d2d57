// Package httpclient is the outbound HTTP client shared by the script http
// helper and webhook sends.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

const (
	defaultMaxResponseBody = 2 * 1024 * 1024
	defaultTimeout         = 10 * time.Second
	maxRedirects           = 5
)

// Config configures a Client.
type Config struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// AllowedHosts restricts destinations by hostname. Empty allows any host.
	AllowedHosts []string
	UserAgent    string
}

// Request is one outbound call.
type Request struct {
	Method   string
	URL      string
	Headers  map[string]string
	Body     any
	Encoding string // json (default) | form | text
	Timeout  time.Duration
}

// Response is the decoded result of a call. Body is parsed JSON when the
// server says application/json, else the raw text.
type Response struct {
	StatusCode  int               `json:"status_code"`
	Status      string            `json:"status"`
	Headers     map[string]string `json:"headers"`
	Body        any               `json:"body"`
	ContentType string            `json:"content_type"`
	DurationMs  int64             `json:"duration_ms"`
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ToMap renders the response as a plain map for scripts and logs.
func (r *Response) ToMap() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"status_code":  r.StatusCode,
		"status":       r.Status,
		"headers":      headers,
		"body":         r.Body,
		"content_type": r.ContentType,
		"duration_ms":  r.DurationMs,
	}
}

// Client performs outbound requests with a response size cap and host allowlist.
type Client struct {
	config  Config
	http    *http.Client
	allowed map[string]bool
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "intake/1"
	}
	allowed := make(map[string]bool, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		allowed[strings.ToLower(h)] = true
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		config:  cfg,
		allowed: allowed,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Validate checks the URL scheme and the host allowlist.
func (c *Client) Validate(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL)
	}
	if len(c.allowed) > 0 && !c.allowed[strings.ToLower(u.Hostname())] {
		return schema.NewErrorf(schema.ErrCodeValidation, "host %q is not allowed", u.Hostname())
	}
	return nil
}

// Do executes req. Transport failures return a DISPATCH_ERROR; HTTP error
// statuses are returned as a Response for the caller to judge.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.Validate(req.URL); err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	bodyReader, contentType, err := encodeBody(req.Body, req.Encoding)
	if err != nil {
		return nil, err
	}

	timeout := c.config.DefaultTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "create request: %s", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "read response body: %s", err.Error()).WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		Status:      resp.Status,
		Headers:     headers,
		Body:        decodeBody(bodyBytes, respContentType),
		ContentType: respContentType,
		DurationMs:  durationMs,
	}, nil
}

func encodeBody(body any, encoding string) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		fields, ok := body.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "form body must be an object")
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprintf("%v", body)), "text/plain", nil
	default:
		b, err := json.Marshal(body)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "body is not JSON-serializable").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func decodeBody(b []byte, contentType string) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}
