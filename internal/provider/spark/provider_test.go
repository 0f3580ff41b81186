package spark

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsServer runs handle for every connection after checking the signed query.
func wsServer(t *testing.T, handle func(conn *websocket.Conn, req request)) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.NotEmpty(t, q.Get("authorization"))
		assert.NotEmpty(t, q.Get("date"))
		assert.Equal(t, r.Host, q.Get("host"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		var req request
		if !assert.NoError(t, conn.ReadJSON(&req)) {
			return
		}
		handle(conn, req)
	}))
	t.Cleanup(srv.Close)

	p, err := New(Options{
		AppID:     "app",
		APIKey:    "key",
		APISecret: "secret",
		ClientOptions: provider.ClientOptions{
			BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
			Timeout: 2 * time.Second,
		},
	})
	require.NoError(t, err)
	return p
}

func params() models.ChatCompletionCreateParams {
	return models.ChatCompletionCreateParams{
		Model:    "spark-3.5",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "Hi"}},
	}
}

func frame(status, seq int, content string) map[string]any {
	f := map[string]any{
		"header": map[string]any{"code": 0, "message": "Success", "sid": "cht-1", "status": status},
		"payload": map[string]any{
			"choices": map[string]any{"status": status, "seq": seq, "text": []map[string]any{{"content": content, "role": "assistant", "index": 0}}},
		},
	}
	if status == statusLast {
		f["payload"].(map[string]any)["usage"] = map[string]any{
			"text": map[string]any{"prompt_tokens": 2, "completion_tokens": 3, "total_tokens": 5},
		}
	}
	return f
}

func TestCreateStreamStopsOnFinalFrame(t *testing.T) {
	p := wsServer(t, func(conn *websocket.Conn, req request) {
		assert.Equal(t, "app", req.Header.AppID)
		assert.Equal(t, "generalv3.5", req.Parameter.Chat.Domain)
		assert.Len(t, req.Payload.Message.Text, 1)

		_ = conn.WriteJSON(frame(0, 0, "Hel"))
		_ = conn.WriteJSON(frame(1, 1, "lo"))
		_ = conn.WriteJSON(frame(statusLast, 2, "!"))
		// The socket stays open after the final frame.
		time.Sleep(200 * time.Millisecond)
	})

	st, err := p.CreateStream(context.Background(), params())
	require.NoError(t, err)

	var content strings.Builder
	var chunks []models.ChatCompletionChunk
	for chunk, err := range st.All() {
		require.NoError(t, err)
		content.WriteString(chunk.Choices[0].Delta.Content)
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hello!", content.String())
	assert.Nil(t, chunks[0].Choices[0].FinishReason)
	assert.Equal(t, models.FinishStop, *chunks[2].Choices[0].FinishReason)
	assert.Equal(t, "cht-1", chunks[0].ID)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 5, chunks[2].Usage.TotalTokens)

	_, err = st.Recv()
	assert.Error(t, err)
}

func TestCreateCompletionAccumulates(t *testing.T) {
	p := wsServer(t, func(conn *websocket.Conn, req request) {
		_ = conn.WriteJSON(frame(0, 0, "Hel"))
		_ = conn.WriteJSON(frame(statusLast, 1, "lo"))
	})

	out, err := p.CreateCompletion(context.Background(), params())
	require.NoError(t, err)
	assert.Equal(t, "Hello", out.Content())
	assert.Equal(t, models.FinishStop, out.Choices[0].FinishReason)
	assert.Equal(t, 5, out.Usage.TotalTokens)
}

func TestErrorFrame(t *testing.T) {
	p := wsServer(t, func(conn *websocket.Conn, req request) {
		_ = conn.WriteJSON(map[string]any{"header": map[string]any{"code": 11202, "message": "qps exceeded", "status": 2}})
	})

	_, err := p.CreateCompletion(context.Background(), params())
	assert.ErrorIs(t, err, apierror.ErrRateLimit)
	assert.Contains(t, err.Error(), "qps exceeded")
}

func TestCancelClosesSocket(t *testing.T) {
	closed := make(chan struct{})
	p := wsServer(t, func(conn *websocket.Conn, req request) {
		_ = conn.WriteJSON(frame(0, 0, "Hel"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	st, err := p.CreateStream(ctx, params())
	require.NoError(t, err)

	chunk, err := st.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Hel", chunk.Choices[0].Delta.Content)

	cancel()
	_, err = st.Recv()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe the socket closing")
	}
}

func TestCloseReleasesPendingRecv(t *testing.T) {
	p := wsServer(t, func(conn *websocket.Conn, req request) {
		_ = conn.WriteJSON(frame(0, 0, "Hel"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	st, err := p.CreateStream(context.Background(), params())
	require.NoError(t, err)
	_, err = st.Recv()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := st.Recv()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, st.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv still blocked after Close")
	}
}

func TestTruncateUID(t *testing.T) {
	assert.Equal(t, "user-1", truncateUID("user-1"))
	assert.Equal(t, strings.Repeat("a", maxUIDLen), truncateUID(strings.Repeat("a", maxUIDLen+5)))

	// 31 ASCII bytes then a 3-byte rune straddling the limit.
	uid := strings.Repeat("a", maxUIDLen-1) + "界x"
	got := truncateUID(uid)
	assert.Equal(t, strings.Repeat("a", maxUIDLen-1), got)
	assert.True(t, utf8.ValidString(got))

	req := (&Provider{appID: "app"}).buildRequest(models.ChatCompletionCreateParams{
		User:     uid,
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "Hi"}},
	}, "generalv3.5")
	assert.Equal(t, got, req.Header.UID)
}

func TestUnsupportedModel(t *testing.T) {
	p, err := New(Options{AppID: "a", APIKey: "b", APISecret: "c"})
	require.NoError(t, err)
	_, err = p.CreateStream(context.Background(), models.ChatCompletionCreateParams{Model: "gpt-4"})
	assert.ErrorIs(t, err, apierror.ErrBadRequest)
}

func TestHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"HMAC signature cannot be verified"}`))
	}))
	t.Cleanup(srv.Close)

	p, err := New(Options{AppID: "a", APIKey: "b", APISecret: "c",
		ClientOptions: provider.ClientOptions{BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}})
	require.NoError(t, err)

	_, err = p.CreateStream(context.Background(), params())
	assert.ErrorIs(t, err, apierror.ErrAuthentication)
	assert.Contains(t, err.Error(), "HMAC signature")
}

func TestMapError(t *testing.T) {
	cases := map[int]error{
		11200: apierror.ErrPermissionDenied,
		11201: apierror.ErrRateLimit,
		11203: apierror.ErrRateLimit,
		10163: apierror.ErrBadRequest,
		10907: apierror.ErrBadRequest,
		10313: apierror.ErrAuthentication,
		10000: apierror.ErrInternalServer,
	}
	for code, want := range cases {
		assert.ErrorIs(t, mapError(code, "x"), want, "code %d", code)
	}
}
