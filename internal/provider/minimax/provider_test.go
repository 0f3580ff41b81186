package minimax

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(Options{GroupID: "g1", APIKey: "mm-key", ClientOptions: provider.ClientOptions{BaseURL: srv.URL}})
	require.NoError(t, err)
	return p
}

func params(stream bool) models.ChatCompletionCreateParams {
	return models.ChatCompletionCreateParams{
		Model:  "abab5.5-chat",
		Stream: stream,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "Hi"},
			{Role: models.RoleAssistant, Content: "Yes?"},
			{Role: models.RoleUser, Content: "Greet me"},
		},
	}
}

func TestCreateCompletion(t *testing.T) {
	var body chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, chatPath, r.URL.Path)
		assert.Equal(t, "g1", r.URL.Query().Get("GroupId"))
		assert.Equal(t, "Bearer mm-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{"id":"mm-1","created":1700000000,"reply":"Hello","choices":[{"text":"Hello","finish_reason":"stop"}],"usage":{"total_tokens":9},"base_resp":{"status_code":0,"status_msg":"success"}}`)
	})

	out, err := p.CreateCompletion(context.Background(), params(false))
	require.NoError(t, err)

	assert.Equal(t, "be brief", body.Prompt)
	require.NotNil(t, body.RoleMeta)
	require.Len(t, body.Messages, 3)
	assert.Equal(t, []string{"USER", "BOT", "USER"}, []string{body.Messages[0].SenderType, body.Messages[1].SenderType, body.Messages[2].SenderType})
	assert.False(t, body.UseStandardSSE)

	assert.Equal(t, "mm-1", out.ID)
	assert.Equal(t, "Hello", out.Content())
	assert.Equal(t, models.FinishStop, out.Choices[0].FinishReason)
	assert.Equal(t, 9, out.Usage.TotalTokens)
}

func TestBaseRespError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"base_resp":{"status_code":1004,"status_msg":"authorization failed"}}`)
	})

	_, err := p.CreateCompletion(context.Background(), params(false))
	assert.ErrorIs(t, err, apierror.ErrAuthentication)
	assert.Contains(t, err.Error(), "authorization failed")
}

const streamBody = `data: {"choices":[{"delta":"Hel"}],"base_resp":{"status_code":0}}

data: {"choices":[{"delta":" lo"}],"base_resp":{"status_code":0}}

data: {"reply":"Hel lo","choices":[{"delta":"","finish_reason":"stop"}],"usage":{"total_tokens":7},"base_resp":{"status_code":0}}

`

func TestCreateStreamMatchesCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Stream {
			assert.True(t, body.UseStandardSSE)
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, streamBody)
			return
		}
		_, _ = io.WriteString(w, `{"reply":"Hel lo","choices":[{"text":"Hel lo","finish_reason":"stop"}],"base_resp":{"status_code":0}}`)
	})

	st, err := p.CreateStream(context.Background(), params(true))
	require.NoError(t, err)

	var content strings.Builder
	var finishes []*models.FinishReason
	var last models.ChatCompletionChunk
	for chunk, err := range st.All() {
		require.NoError(t, err)
		content.WriteString(chunk.Choices[0].Delta.Content)
		finishes = append(finishes, chunk.Choices[0].FinishReason)
		last = chunk
	}
	require.Len(t, finishes, 3)
	assert.Nil(t, finishes[0])
	assert.Equal(t, models.FinishStop, *finishes[2])
	require.NotNil(t, last.Usage)
	assert.Equal(t, 7, last.Usage.TotalTokens)

	full, err := p.CreateCompletion(context.Background(), params(false))
	require.NoError(t, err)
	assert.Equal(t, full.Content(), content.String())
}

func TestStreamErrorFrame(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"base_resp\":{\"status_code\":1002,\"status_msg\":\"rpm limit\"}}\n\n")
	})

	st, err := p.CreateStream(context.Background(), params(true))
	require.NoError(t, err)
	_, err = st.Recv()
	assert.ErrorIs(t, err, apierror.ErrRateLimit)
}

func TestMapError(t *testing.T) {
	cases := map[int]error{
		1002: apierror.ErrRateLimit,
		1039: apierror.ErrRateLimit,
		1004: apierror.ErrAuthentication,
		1008: apierror.ErrPermissionDenied,
		2013: apierror.ErrBadRequest,
		1000: apierror.ErrInternalServer,
	}
	for code, want := range cases {
		assert.ErrorIs(t, mapError(code, "x"), want, "code %d", code)
	}
}

func TestNewRequiresGroup(t *testing.T) {
	t.Setenv(envGroupID, "")
	t.Setenv(envAPIKey, "k")
	_, err := New(Options{})
	assert.ErrorIs(t, err, apierror.ErrConfiguration)
}
