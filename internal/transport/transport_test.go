package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-gateway/internal/apierror"
)

func newClient(t *testing.T, baseURL string, opts Options) *Client {
	t.Helper()
	opts.BaseURL = baseURL
	if opts.Provider == "" {
		opts.Provider = "test"
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestHeadersAndQueryMerge(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/v1/", Options{
		Headers: map[string]string{"X-Default": "a", "X-Removed": "b"},
		Query:   map[string]string{"key": "k1", "drop": "x"},
	})

	var out struct {
		OK bool `json:"ok"`
	}
	err := c.JSON(context.Background(), Request{
		Path:    "chat",
		Headers: map[string]string{"X-Call": "c", "X-Removed": ""},
		Query:   map[string]string{"drop": "", "alt": "sse"},
		Body:    map[string]string{"hello": "world"},
	}, &out)
	require.NoError(t, err)
	assert.True(t, out.OK)

	assert.Equal(t, "/v1/chat", got.URL.Path)
	assert.Equal(t, "a", got.Header.Get("X-Default"))
	assert.Equal(t, "c", got.Header.Get("X-Call"))
	assert.Empty(t, got.Header.Get("X-Removed"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "k1", got.URL.Query().Get("key"))
	assert.Equal(t, "sse", got.URL.Query().Get("alt"))
	assert.False(t, got.URL.Query().Has("drop"))
}

func TestStatusErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit","code":"rl"}}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, Options{})
	err := c.JSON(context.Background(), Request{Path: "/x"}, &struct{}{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apierror.ErrRateLimit)

	var apiErr *apierror.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "slow down", apiErr.Message)
	assert.Equal(t, "rl", apiErr.Code)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
}

func TestProviderErrorDecoderWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"InvalidApiKey"}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, Options{DecodeError: func(status int, body []byte) error {
		if strings.Contains(string(body), "InvalidApiKey") {
			return apierror.New(apierror.KindAuthentication, "test", "bad key")
		}
		return nil
	}})
	err := c.JSON(context.Background(), Request{Path: "/x"}, &struct{}{})
	assert.ErrorIs(t, err, apierror.ErrAuthentication)
}

func TestTimeoutBeforeHeaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(t, srv.URL, Options{Timeout: 20 * time.Millisecond})
	_, err := c.Do(context.Background(), Request{Path: "/slow"})
	assert.ErrorIs(t, err, apierror.ErrTimeout)
}

func TestCallerCancellationIsAbort(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	c := newClient(t, srv.URL, Options{})
	_, err := c.Do(ctx, Request{Path: "/slow"})
	assert.ErrorIs(t, err, apierror.ErrAbort)
}

func TestStreamOutlivesTimeoutAfterHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(60 * time.Millisecond)
		_, _ = io.WriteString(w, "data: late\n\n")
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, Options{Timeout: 20 * time.Millisecond})
	resp, err := c.Do(context.Background(), Request{Path: "/stream", Stream: true})
	require.NoError(t, err)
	defer resp.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: late\n\n", string(data))
}

func TestConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(t, url, Options{})
	_, err := c.Do(context.Background(), Request{Path: "/x"})
	assert.ErrorIs(t, err, apierror.ErrConnection)
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	_, err := New(Options{Provider: "x"})
	assert.ErrorIs(t, err, apierror.ErrConfiguration)
}

func TestAbsolutePathBypassesBase(t *testing.T) {
	c := newClient(t, "https://example.com/api", Options{Query: map[string]string{"key": "k"}})
	u, err := c.URL("https://other.example.com/tasks/1", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/tasks/1?key=k", u)
}

func TestDoerAppliesDefaultsAndReturnsRawErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a", r.Header.Get("X-Default"))
		assert.Equal(t, "mine", r.Header.Get("X-Override"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"raw"}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, Options{Headers: map[string]string{"X-Default": "a", "X-Override": "theirs"}})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/x", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("X-Override", "mine")

	resp, err := c.Doer().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"raw"}`, string(raw))
}

func TestDoerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, Options{Timeout: 30 * time.Millisecond})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = c.Doer().Do(req)
	assert.ErrorIs(t, err, apierror.ErrTimeout)
}
