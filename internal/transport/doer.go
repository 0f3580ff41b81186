package transport

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Doer lends a Client's timeout, default headers and error classification
// to SDKs that build their own requests and parse raw responses. Non-2xx
// responses are returned untouched.
type Doer struct {
	c *Client
}

// Doer returns an http.Client-compatible view of c.
func (c *Client) Doer() *Doer {
	return &Doer{c: c}
}

// Do sends req. Requests accepting text/event-stream stop the timer once
// headers arrive.
func (d *Doer) Do(req *http.Request) (*http.Response, error) {
	c := d.c
	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	streaming := strings.Contains(req.Header.Get("Accept"), "text/event-stream")

	parent := req.Context()
	reqCtx, cancel := context.WithCancelCause(parent)
	timer := time.AfterFunc(c.timeout, func() { cancel(errDeadline) })
	release := func() {
		timer.Stop()
		cancel(nil)
	}

	start := time.Now()
	resp, err := c.http.Do(req.WithContext(reqCtx))
	if err != nil {
		release()
		return nil, c.classify(parent, reqCtx, err)
	}
	c.logger.Debug().Str("provider", c.provider).Str("method", req.Method).
		Str("path", req.URL.Path).Int("status", resp.StatusCode).
		Int64("latency_ms", time.Since(start).Milliseconds()).Msg("upstream response")

	if streaming && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		timer.Stop()
	}
	resp.Body = &body{
		ReadCloser: resp.Body,
		client:     c,
		parent:     parent,
		ctx:        reqCtx,
		release:    release,
	}
	return resp, nil
}
