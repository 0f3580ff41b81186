// Package ernie adapts Baidu ERNIE Bot through the AI Studio gateway.
package ernie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/auth"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/sse"
	"llm-gateway/internal/stream"
	"llm-gateway/internal/transport"
)

const (
	defaultBaseURL = "https://aistudio.baidu.com/llm/lmapi/v1"
	envAccessToken = "EB_ACCESS_TOKEN"
)

var modelPaths = map[string]string{
	"ernie-bot":       "/chat/completions",
	"ernie-bot-turbo": "/chat/eb-instant",
	"ernie-bot-4":     "/chat/completions_pro",
	"ernie-bot-8k":    "/chat/ernie_bot_8k",
}

// Options configures the adapter. AccessToken falls back to EB_ACCESS_TOKEN.
type Options struct {
	AccessToken string
	provider.ClientOptions
}

// Provider implements provider.ChatProvider for ERNIE Bot.
type Provider struct {
	http   *transport.Client
	logger zerolog.Logger
}

var _ provider.ChatProvider = (*Provider)(nil)

// New resolves credentials and builds the adapter.
func New(opts Options) (*Provider, error) {
	token := provider.FirstNonEmpty(opts.AccessToken, os.Getenv(envAccessToken))
	if err := provider.RequireCredential(provider.KeyErnie, "access token", token, envAccessToken); err != nil {
		return nil, err
	}

	client, err := transport.New(opts.Transport(provider.KeyErnie, defaultBaseURL,
		map[string]string{"Authorization": auth.Token(token)}, decodeError))
	if err != nil {
		return nil, err
	}
	return &Provider{http: client, logger: opts.Logger}, nil
}

func (p *Provider) Name() provider.Key {
	return provider.KeyErnie
}

func (p *Provider) CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	var env envelope
	err := p.http.JSON(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   modelPath(params.Model),
		Body:   buildRequest(params, false),
	}, &env)
	if err != nil {
		return nil, err
	}

	result, err := env.unwrap()
	if err != nil {
		return nil, err
	}
	return toCompletion(params.Model, result), nil
}

func (p *Provider) CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*provider.ChunkStream, error) {
	resp, err := p.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   modelPath(params.Model),
		Body:   buildRequest(params, true),
		Stream: true,
	})
	if err != nil {
		return nil, err
	}

	return stream.FromSSE(ctx, resp.Body, func(ev sse.Event) ([]models.ChatCompletionChunk, bool, error) {
		var env envelope
		if err := provider.DecodeFrame(provider.KeyErnie, ev.Data, &env); err != nil {
			return nil, false, err
		}
		result, err := env.unwrap()
		if err != nil {
			return nil, false, err
		}
		chunk, final := toChunk(params.Model, result)
		return []models.ChatCompletionChunk{chunk}, final, nil
	}, p.logger), nil
}

func modelPath(model string) string {
	if path, ok := modelPaths[strings.ToLower(model)]; ok {
		return path
	}
	return "/chat/" + model
}

type message struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *functionCall `json:"function_call,omitempty"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Thoughts  string `json:"thoughts,omitempty"`
}

type chatRequest struct {
	Messages        []message                   `json:"messages"`
	System          string                      `json:"system,omitempty"`
	Stream          bool                        `json:"stream,omitempty"`
	Temperature     *float64                    `json:"temperature,omitempty"`
	TopP            *float64                    `json:"top_p,omitempty"`
	PenaltyScore    *float64                    `json:"penalty_score,omitempty"`
	Stop            []string                    `json:"stop,omitempty"`
	MaxOutputTokens *int                        `json:"max_output_tokens,omitempty"`
	UserID          string                      `json:"user_id,omitempty"`
	Functions       []models.FunctionDefinition `json:"functions,omitempty"`
}

func buildRequest(params models.ChatCompletionCreateParams, stream bool) chatRequest {
	system, rest := params.SplitSystem()

	messages := make([]message, 0, len(rest))
	for _, msg := range rest {
		m := message{Role: string(msg.Role), Content: msg.Text(), Name: msg.Name}
		switch msg.Role {
		case models.RoleTool, models.RoleFunction:
			m.Role = "function"
		case models.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				call := msg.ToolCalls[0].Function
				m.FunctionCall = &functionCall{Name: call.Name, Arguments: call.Arguments}
			}
		}
		messages = append(messages, m)
	}

	functions := append([]models.FunctionDefinition(nil), params.Functions...)
	for _, tool := range params.Tools {
		functions = append(functions, tool.Function)
	}

	return chatRequest{
		Messages:        messages,
		System:          system,
		Stream:          stream,
		Temperature:     params.Temperature,
		TopP:            params.TopP,
		PenaltyScore:    params.PresencePenalty,
		Stop:            params.Stop,
		MaxOutputTokens: params.MaxTokens,
		UserID:          params.User,
		Functions:       functions,
	}
}

// envelope covers both the AI Studio wrapper ({errorCode, result:{...}})
// and bare Qianfan frames ({error_code, result:"text", ...}).
type envelope struct {
	ErrorCode    int             `json:"errorCode"`
	ErrorMsg     string          `json:"errorMsg"`
	RawErrorCode int             `json:"error_code"`
	RawErrorMsg  string          `json:"error_msg"`
	Result       json.RawMessage `json:"result"`

	chatResult
}

type chatResult struct {
	ID               string            `json:"id"`
	Created          provider.UnixTime `json:"created"`
	SentenceID       int               `json:"sentence_id"`
	IsEnd            bool              `json:"is_end"`
	IsTruncated      bool              `json:"is_truncated"`
	NeedClearHistory bool              `json:"need_clear_history"`
	FunctionCall     *functionCall     `json:"function_call"`
	Usage            usage             `json:"usage"`
	Text             string            `json:"-"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (e envelope) code() (int, string) {
	if e.ErrorCode != 0 {
		return e.ErrorCode, e.ErrorMsg
	}
	return e.RawErrorCode, e.RawErrorMsg
}

// unwrap asserts success and returns the inner result.
func (e envelope) unwrap() (chatResult, error) {
	if code, msg := e.code(); code != 0 {
		return chatResult{}, mapError(code, msg)
	}

	raw := bytes.TrimSpace(e.Result)
	if len(raw) > 0 && raw[0] == '{' {
		var inner struct {
			chatResult
			Result string `json:"result"`
		}
		if err := json.Unmarshal(raw, &inner); err != nil {
			return chatResult{}, &apierror.Error{Kind: apierror.KindInternalServer, Provider: string(provider.KeyErnie), Message: "malformed result", Err: err}
		}
		inner.chatResult.Text = inner.Result
		return inner.chatResult, nil
	}

	out := e.chatResult
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out.Text)
	}
	return out, nil
}

// finishReason maps the flag set; nil means the stream continues.
func finishReason(r chatResult) *models.FinishReason {
	switch {
	case r.NeedClearHistory:
		return models.FinishContentFilter.Ptr()
	case r.FunctionCall != nil:
		return models.FinishFunctionCall.Ptr()
	case r.IsTruncated:
		return models.FinishLength.Ptr()
	case r.IsEnd:
		return models.FinishStop.Ptr()
	}
	return nil
}

func toCompletion(model string, r chatResult) *models.ChatCompletion {
	finish := models.FinishStop
	if f := finishReason(r); f != nil {
		finish = *f
	}
	completion := models.NewCompletion(
		provider.FirstNonEmpty(r.ID, provider.NewID()),
		model,
		r.Created.OrNow(),
		r.Text,
		finish,
		models.NewUsage(r.Usage.PromptTokens, r.Usage.CompletionTokens, r.Usage.TotalTokens),
	)
	if r.FunctionCall != nil {
		completion.Choices[0].Message.ToolCalls = []models.ToolCall{{
			Type:     "function",
			Function: models.FunctionCall{Name: r.FunctionCall.Name, Arguments: r.FunctionCall.Arguments},
		}}
	}
	return completion
}

func toChunk(model string, r chatResult) (models.ChatCompletionChunk, bool) {
	delta := models.Delta{Content: r.Text}
	if r.SentenceID == 0 {
		delta.Role = models.RoleAssistant
	}
	if r.FunctionCall != nil {
		delta.FunctionCall = &models.FunctionCall{Name: r.FunctionCall.Name, Arguments: r.FunctionCall.Arguments}
	}

	finish := finishReason(r)
	chunk := models.NewChunk(provider.FirstNonEmpty(r.ID, provider.NewID()), model, r.Created.OrNow(), delta, finish)
	final := r.IsEnd || r.NeedClearHistory
	if final {
		u := models.NewUsage(r.Usage.PromptTokens, r.Usage.CompletionTokens, r.Usage.TotalTokens)
		chunk.Usage = &u
	}
	return chunk, final
}

// mapError classifies ERNIE error codes.
func mapError(code int, msg string) *apierror.Error {
	kind := apierror.KindInternalServer
	switch code {
	case 17, 18, 19, 40407:
		kind = apierror.KindRateLimit
	case 110, 40401:
		kind = apierror.KindAuthentication
	case 336003:
		kind = apierror.KindBadRequest
	case 6, 111:
		kind = apierror.KindPermissionDenied
	}
	return &apierror.Error{
		Kind:     kind,
		Provider: string(provider.KeyErnie),
		Code:     fmt.Sprint(code),
		Message:  msg,
	}
}

func decodeError(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	code, msg := env.code()
	if code == 0 {
		return nil
	}
	apiErr := mapError(code, msg)
	apiErr.Status = status
	return apiErr
}
