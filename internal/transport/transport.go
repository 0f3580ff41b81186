// Package transport is the HTTP layer shared by the REST-based providers.
package transport

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

	"github.com/rs/zerolog"

	"llm-gateway/internal/apierror"
)

const (
	// DefaultTimeout bounds a request until its response headers (streams)
	// or its full body (everything else) arrive.
	DefaultTimeout = 30 * time.Second

	contentTypeJSON = "application/json"
	userAgent       = "llm-gateway/0.1"
	maxErrorBody    = 64 * 1024
)

var errDeadline = errors.New("client timeout exceeded")

// ErrorDecoder classifies a non-2xx response body. Returning nil falls back
// to the generic status mapping.
type ErrorDecoder func(status int, body []byte) error

// Options configures a Client.
type Options struct {
	Provider string
	BaseURL  string
	// Headers and Query are sent with every request.
	Headers     map[string]string
	Query       map[string]string
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      zerolog.Logger
	DecodeError ErrorDecoder
}

// Client issues requests relative to a base URL.
type Client struct {
	provider    string
	baseURL     string
	headers     map[string]string
	query       map[string]string
	timeout     time.Duration
	http        *http.Client
	logger      zerolog.Logger
	decodeError ErrorDecoder
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, apierror.New(apierror.KindConfiguration, opts.Provider, "base url must not be empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, &apierror.Error{Kind: apierror.KindConfiguration, Provider: opts.Provider, Message: "invalid base url", Err: err}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &Client{
		provider:    opts.Provider,
		baseURL:     baseURL,
		headers:     cloneMap(opts.Headers),
		query:       cloneMap(opts.Query),
		timeout:     timeout,
		http:        client,
		logger:      opts.Logger,
		decodeError: opts.DecodeError,
	}, nil
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request describes one call. Per-call Headers and Query override the
// client defaults; an empty value deletes the default.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
	// Body is sent as-is when it is an io.Reader, JSON-encoded otherwise.
	Body    any
	Timeout time.Duration
	// Stream stops the timeout once response headers arrive.
	Stream bool
}

// Response is a successful (2xx) response. Close must be called.
type Response struct {
	*http.Response
}

// Close releases the body and the request's timer.
func (r *Response) Close() error {
	return r.Body.Close()
}

// URL resolves path and query against the client's base URL.
func (c *Client) URL(path string, query map[string]string) (string, error) {
	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		if path != "" && !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		raw = c.baseURL + path
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}

	values := u.Query()
	for k, v := range mergeMaps(c.query, query) {
		values.Set(k, v)
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Do sends req and returns the raw response. Non-2xx statuses are returned
// as classified errors.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	reqCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(timeout, func() { cancel(errDeadline) })
	release := func() {
		timer.Stop()
		cancel(nil)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq.WithContext(reqCtx))
	if err != nil {
		release()
		c.logger.Debug().Str("provider", c.provider).Str("method", httpReq.Method).
			Str("path", httpReq.URL.Path).Err(err).Msg("upstream request failed")
		return nil, c.classify(ctx, reqCtx, err)
	}

	c.logger.Debug().Str("provider", c.provider).Str("method", httpReq.Method).
		Str("path", httpReq.URL.Path).Int("status", resp.StatusCode).
		Int64("latency_ms", time.Since(start).Milliseconds()).Msg("upstream response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		release()
		if readErr != nil {
			return nil, &apierror.Error{
				Kind:     apierror.KindForStatus(resp.StatusCode),
				Provider: c.provider,
				Status:   resp.StatusCode,
				Message:  "failed to read error body",
				Err:      readErr,
			}
		}
		return nil, c.StatusError(resp.StatusCode, body)
	}

	if req.Stream {
		timer.Stop()
	}
	resp.Body = &body{
		ReadCloser: resp.Body,
		client:     c,
		parent:     ctx,
		ctx:        reqCtx,
		release:    release,
	}
	return &Response{Response: resp}, nil
}

// JSON sends req and decodes a 2xx JSON body into out.
func (c *Client) JSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return &apierror.Error{
			Kind:     apierror.KindInternalServer,
			Provider: c.provider,
			Status:   resp.StatusCode,
			Message:  "decode provider response",
			Err:      err,
		}
	}
	return nil
}

// Bytes sends req and returns the full 2xx body with its headers.
func (c *Client) Bytes(ctx context.Context, req Request) ([]byte, http.Header, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return data, resp.Header, nil
}

// StatusError classifies a non-2xx body, trying the provider decoder first
// and then the common {"error":{...}} and {"message":...} envelopes.
func (c *Client) StatusError(status int, body []byte) error {
	if c.decodeError != nil {
		if err := c.decodeError(status, body); err != nil {
			return err
		}
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
		Code  any             `json:"code"`
		Msg   string          `json:"message"`
	}
	code, message := "", strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil {
		var inner struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		}
		var text string
		switch {
		case len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &inner) == nil && inner.Message != "":
			message, code = inner.Message, stringify(inner.Code)
			if code == "" {
				code = inner.Type
			}
		case len(envelope.Error) > 0 && json.Unmarshal(envelope.Error, &text) == nil && text != "":
			message = text
		case envelope.Msg != "":
			message, code = envelope.Msg, stringify(envelope.Code)
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return apierror.FromStatus(c.provider, status, code, message)
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	target, err := c.URL(req.Path, req.Query)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindBadRequest, c.provider, err)
	}

	var reader io.Reader
	contentType := ""
	switch b := req.Body.(type) {
	case nil:
	case io.Reader:
		reader = b
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindBadRequest, c.provider, fmt.Errorf("marshal payload: %w", err))
		}
		reader = bytes.NewReader(payload)
		contentType = contentTypeJSON
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindBadRequest, c.provider, fmt.Errorf("construct request: %w", err))
	}

	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept", contentTypeJSON)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range mergeMaps(c.headers, req.Headers) {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		if v == "" {
			httpReq.Header.Del(k)
		}
	}
	return httpReq, nil
}

func (c *Client) classify(parent, reqCtx context.Context, err error) error {
	switch {
	case errors.Is(context.Cause(reqCtx), errDeadline):
		return &apierror.Error{Kind: apierror.KindTimeout, Provider: c.provider, Message: fmt.Sprintf("no response within %s", c.timeout), Err: err}
	case errors.Is(parent.Err(), context.Canceled):
		return apierror.Wrap(apierror.KindAbort, c.provider, err)
	case errors.Is(parent.Err(), context.DeadlineExceeded):
		return apierror.Wrap(apierror.KindTimeout, c.provider, err)
	default:
		return apierror.Wrap(apierror.KindConnection, c.provider, err)
	}
}

// body maps read failures caused by the client timeout to classified errors
// and releases the request's timer at EOF or Close.
type body struct {
	io.ReadCloser
	client  *Client
	parent  context.Context
	ctx     context.Context
	release func()
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(context.Cause(b.ctx), errDeadline) {
			return n, b.client.classify(b.parent, b.ctx, err)
		}
		if b.parent.Err() != nil {
			return n, b.parent.Err()
		}
		return n, apierror.Wrap(apierror.KindConnection, b.client.provider, err)
	}
	if err != nil {
		b.release()
	}
	return n, err
}

func (b *body) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

func mergeMaps(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return fmt.Sprintf("%.0f", val)
	default:
		return fmt.Sprint(val)
	}
}
