package ernie

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

	p, err := New(Options{AccessToken: "tok", ClientOptions: provider.ClientOptions{BaseURL: srv.URL}})
	require.NoError(t, err)
	return p
}

func params(stream bool) models.ChatCompletionCreateParams {
	return models.ChatCompletionCreateParams{
		Model:  "ernie-bot",
		Stream: stream,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "Hi"},
		},
	}
}

func TestCreateCompletion(t *testing.T) {
	var body chatRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "token tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{"errorCode":0,"errorMsg":"","result":{"id":"as-1","result":"Hello","is_end":true,"created":"1700000000","usage":{"prompt_tokens":2,"completion_tokens":1}}}`)
	})

	out, err := p.CreateCompletion(context.Background(), params(false))
	require.NoError(t, err)

	assert.Equal(t, "be brief", body.System)
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "user", body.Messages[0].Role)

	assert.Equal(t, "as-1", out.ID)
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, int64(1700000000), out.Created)
	assert.Equal(t, "Hello", out.Content())
	assert.Equal(t, models.FinishStop, out.Choices[0].FinishReason)
	assert.Equal(t, 3, out.Usage.TotalTokens)
}

func TestErrorCodeInSuccessfulResponse(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errorCode":110,"errorMsg":"Access token invalid"}`)
	})

	_, err := p.CreateCompletion(context.Background(), params(false))
	require.Error(t, err)
	assert.ErrorIs(t, err, apierror.ErrAuthentication)
	assert.Contains(t, err.Error(), "Access token invalid")
}

const streamBody = `data: {"errorCode":0,"result":{"id":"as-2","sentence_id":0,"result":"Hel","is_end":false}}

data: {"errorCode":0,"result":{"id":"as-2","sentence_id":1,"result":"lo","is_end":false}}

data: {"errorCode":0,"result":{"id":"as-2","sentence_id":2,"result":"!","is_end":true,"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}}

`

func TestCreateStreamMatchesCompletion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, streamBody)
			return
		}
		_, _ = io.WriteString(w, `{"errorCode":0,"result":{"id":"as-2","result":"Hello!","is_end":true}}`)
	})

	st, err := p.CreateStream(context.Background(), params(true))
	require.NoError(t, err)

	var content strings.Builder
	var finishes []*models.FinishReason
	for chunk, err := range st.All() {
		require.NoError(t, err)
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		content.WriteString(chunk.Choices[0].Delta.Content)
		finishes = append(finishes, chunk.Choices[0].FinishReason)
	}
	require.Len(t, finishes, 3)
	assert.Nil(t, finishes[0])
	assert.Nil(t, finishes[1])
	assert.Equal(t, models.FinishStop, *finishes[2])

	full, err := p.CreateCompletion(context.Background(), params(false))
	require.NoError(t, err)
	assert.Equal(t, full.Content(), content.String())
}

func TestStreamErrorFrame(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"errorCode\":18,\"errorMsg\":\"qps limit\"}\n\n")
	})

	st, err := p.CreateStream(context.Background(), params(true))
	require.NoError(t, err)
	_, err = st.Recv()
	assert.ErrorIs(t, err, apierror.ErrRateLimit)
}

func TestFinishReason(t *testing.T) {
	assert.Nil(t, finishReason(chatResult{}))
	assert.Equal(t, models.FinishStop, *finishReason(chatResult{IsEnd: true}))
	assert.Equal(t, models.FinishLength, *finishReason(chatResult{IsEnd: true, IsTruncated: true}))
	assert.Equal(t, models.FinishContentFilter, *finishReason(chatResult{IsEnd: true, NeedClearHistory: true}))
	assert.Equal(t, models.FinishFunctionCall, *finishReason(chatResult{FunctionCall: &functionCall{Name: "f"}}))
}

func TestMapError(t *testing.T) {
	cases := map[int]error{
		17:     apierror.ErrRateLimit,
		18:     apierror.ErrRateLimit,
		19:     apierror.ErrRateLimit,
		40407:  apierror.ErrRateLimit,
		110:    apierror.ErrAuthentication,
		40401:  apierror.ErrAuthentication,
		336003: apierror.ErrBadRequest,
		6:      apierror.ErrPermissionDenied,
		111:    apierror.ErrPermissionDenied,
		1:      apierror.ErrInternalServer,
	}
	for code, want := range cases {
		assert.ErrorIs(t, mapError(code, "x"), want, "code %d", code)
	}
}

func TestModelPath(t *testing.T) {
	assert.Equal(t, "/chat/eb-instant", modelPath("ernie-bot-turbo"))
	assert.Equal(t, "/chat/completions_pro", modelPath("ernie-bot-4"))
	assert.Equal(t, "/chat/ernie_bot_8k", modelPath("ernie-bot-8k"))
	assert.Equal(t, "/chat/custom", modelPath("custom"))
}

func TestNewRequiresToken(t *testing.T) {
	t.Setenv(envAccessToken, "")
	_, err := New(Options{})
	assert.ErrorIs(t, err, apierror.ErrConfiguration)

	t.Setenv(envAccessToken, "from-env")
	_, err = New(Options{})
	assert.NoError(t, err)
}
