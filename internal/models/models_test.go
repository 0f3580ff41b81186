package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatMessageContentForms(t *testing.T) {
	var msg ChatMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hi"}`), &msg))
	assert.Equal(t, "hi", msg.Text())
	assert.Nil(t, msg.Parts)

	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"http://x/y.png"}},{"type":"text","text":"b"}]}`), &msg))
	assert.Equal(t, "ab", msg.Text())
	require.Len(t, msg.Parts, 3)
	assert.Equal(t, "http://x/y.png", msg.Parts[1].ImageURL.URL)

	err := json.Unmarshal([]byte(`{"role":"user","content":[{"type":"audio"}]}`), &msg)
	assert.ErrorIs(t, err, errInvalidContent)
}

func TestChatMessageMarshal(t *testing.T) {
	data, err := json.Marshal(ChatMessage{Role: RoleAssistant, Content: "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"assistant","content":"ok"}`, string(data))
}

func TestStopAcceptsStringOrArray(t *testing.T) {
	var params ChatCompletionCreateParams
	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","stop":"END"}`), &params))
	assert.Equal(t, Stop{"END"}, params.Stop)

	require.NoError(t, json.Unmarshal([]byte(`{"model":"m","stop":["a","b"]}`), &params))
	assert.Equal(t, Stop{"a", "b"}, params.Stop)

	assert.Error(t, json.Unmarshal([]byte(`{"model":"m","stop":42}`), &params))
}

func TestSplitSystemOnlyLeading(t *testing.T) {
	params := ChatCompletionCreateParams{Messages: []ChatMessage{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}}
	system, rest := params.SplitSystem()
	assert.Equal(t, "be brief", system)
	assert.Len(t, rest, 1)

	params.Messages = []ChatMessage{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "late"},
	}
	system, rest = params.SplitSystem()
	assert.Empty(t, system)
	assert.Len(t, rest, 2)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, ChatCompletionCreateParams{}.Validate(), errEmptyModel)
	assert.ErrorIs(t, ChatCompletionCreateParams{Model: "m"}.Validate(), errEmptyMessages)
	err := ChatCompletionCreateParams{Model: "m", Messages: []ChatMessage{{Role: "robot", Content: "x"}}}.Validate()
	assert.ErrorIs(t, err, errInvalidRole)
}

func TestNewUsageDerivesTotal(t *testing.T) {
	assert.Equal(t, 15, NewUsage(10, 5, 0).TotalTokens)
	assert.Equal(t, 20, NewUsage(10, 5, 20).TotalTokens)
}

func TestParseFinishReason(t *testing.T) {
	f, ok := ParseFinishReason("STOP")
	assert.True(t, ok)
	assert.Equal(t, FinishStop, f)

	_, ok = ParseFinishReason("null")
	assert.False(t, ok)
	_, ok = ParseFinishReason("sensitive")
	assert.False(t, ok)
}
