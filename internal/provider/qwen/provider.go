// Package qwen adapts Alibaba DashScope (Tongyi Qianwen) text generation and
// the asynchronous wanx image synthesis API.
package qwen

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

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
	defaultBaseURL = "https://dashscope.aliyuncs.com/api/v1"
	generationPath = "/services/aigc/text-generation/generation"
	envAPIKey      = "DASHSCOPE_API_KEY"
)

// Options configures the adapter. APIKey falls back to DASHSCOPE_API_KEY.
type Options struct {
	APIKey string
	provider.ClientOptions
	Poll PollOptions
}

// Provider implements provider.ChatProvider and provider.ImageProvider.
type Provider struct {
	http   *transport.Client
	logger zerolog.Logger
	poll   PollOptions
}

var (
	_ provider.ChatProvider  = (*Provider)(nil)
	_ provider.ImageProvider = (*Provider)(nil)
)

// New resolves credentials and builds the adapter.
func New(opts Options) (*Provider, error) {
	key := provider.FirstNonEmpty(opts.APIKey, os.Getenv(envAPIKey))
	if err := provider.RequireCredential(provider.KeyQwen, "api key", key, envAPIKey); err != nil {
		return nil, err
	}

	client, err := transport.New(opts.Transport(provider.KeyQwen, defaultBaseURL,
		map[string]string{"Authorization": auth.Bearer(key)}, decodeError))
	if err != nil {
		return nil, err
	}
	return &Provider{http: client, logger: opts.Logger, poll: opts.Poll.withDefaults()}, nil
}

func (p *Provider) Name() provider.Key {
	return provider.KeyQwen
}

func (p *Provider) CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	var resp generationResponse
	err := p.http.JSON(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   generationPath,
		Body:   buildRequest(params, false),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Code != "" {
		return nil, mapError(0, resp.Code, resp.Message)
	}
	return toCompletion(params.Model, resp), nil
}

func (p *Provider) CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*provider.ChunkStream, error) {
	resp, err := p.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    generationPath,
		Body:    buildRequest(params, true),
		Headers: map[string]string{"X-DashScope-SSE": "enable"},
		Stream:  true,
	})
	if err != nil {
		return nil, err
	}

	id := provider.NewID()
	created := time.Now().Unix()
	return stream.FromSSE(ctx, resp.Body, func(ev sse.Event) ([]models.ChatCompletionChunk, bool, error) {
		switch ev.Event {
		case "error":
			var frame generationResponse
			if err := provider.DecodeFrame(provider.KeyQwen, ev.Data, &frame); err != nil {
				return nil, false, err
			}
			return nil, false, mapError(0, frame.Code, frame.Message)
		case "result", "":
		default:
			return nil, false, nil
		}

		var frame generationResponse
		if err := provider.DecodeFrame(provider.KeyQwen, ev.Data, &frame); err != nil {
			return nil, false, err
		}
		if frame.Code != "" {
			return nil, false, mapError(0, frame.Code, frame.Message)
		}
		chunk, final := toChunk(id, params.Model, created, frame)
		return []models.ChatCompletionChunk{chunk}, final, nil
	}, p.logger), nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type generationRequest struct {
	Model      string     `json:"model"`
	Input      input      `json:"input"`
	Parameters parameters `json:"parameters"`
}

type input struct {
	Messages []message `json:"messages"`
}

type parameters struct {
	ResultFormat      string        `json:"result_format"`
	IncrementalOutput bool          `json:"incremental_output,omitempty"`
	Temperature       *float64      `json:"temperature,omitempty"`
	TopP              *float64      `json:"top_p,omitempty"`
	TopK              *int          `json:"top_k,omitempty"`
	MaxTokens         *int          `json:"max_tokens,omitempty"`
	RepetitionPenalty *float64      `json:"repetition_penalty,omitempty"`
	Stop              []string      `json:"stop,omitempty"`
	Seed              *int          `json:"seed,omitempty"`
	Tools             []models.Tool `json:"tools,omitempty"`
}

func buildRequest(params models.ChatCompletionCreateParams, streaming bool) generationRequest {
	messages := make([]message, 0, len(params.Messages))
	for _, msg := range params.Messages {
		messages = append(messages, message{Role: string(msg.Role), Content: msg.Text(), Name: msg.Name})
	}

	tools := append([]models.Tool(nil), params.Tools...)
	for _, fn := range params.Functions {
		tools = append(tools, models.Tool{Type: "function", Function: fn})
	}

	return generationRequest{
		Model: params.Model,
		Input: input{Messages: messages},
		Parameters: parameters{
			ResultFormat:      "message",
			IncrementalOutput: streaming,
			Temperature:       params.Temperature,
			TopP:              params.TopP,
			TopK:              params.TopK,
			MaxTokens:         params.MaxTokens,
			RepetitionPenalty: params.FrequencyPenalty,
			Stop:              params.Stop,
			Seed:              params.Seed,
			Tools:             tools,
		},
	}
}

type generationResponse struct {
	RequestID string `json:"request_id"`
	Output    output `json:"output"`
	Usage     *usage `json:"usage"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type output struct {
	Text         string   `json:"text"`
	FinishReason string   `json:"finish_reason"`
	Choices      []choice `json:"choices"`
}

type choice struct {
	FinishReason string        `json:"finish_reason"`
	Message      choiceMessage `json:"message"`
}

type choiceMessage struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *usage) normalize() models.Usage {
	if u == nil {
		return models.Usage{}
	}
	return models.NewUsage(u.InputTokens, u.OutputTokens, u.TotalTokens)
}

// first returns the primary choice, synthesizing one from the legacy text
// result format.
func (o output) first() choice {
	if len(o.Choices) > 0 {
		return o.Choices[0]
	}
	return choice{FinishReason: o.FinishReason, Message: choiceMessage{Role: "assistant", Content: o.Text}}
}

func finishReason(reason string) *models.FinishReason {
	switch strings.ToLower(reason) {
	case "", "null":
		return nil
	case "length":
		return models.FinishLength.Ptr()
	case "tool_calls":
		return models.FinishToolCalls.Ptr()
	}
	return models.FinishStop.Ptr()
}

func toCompletion(model string, resp generationResponse) *models.ChatCompletion {
	c := resp.Output.first()
	finish := models.FinishStop
	if f := finishReason(c.FinishReason); f != nil {
		finish = *f
	}
	completion := models.NewCompletion(
		provider.FirstNonEmpty(resp.RequestID, provider.NewID()),
		model,
		time.Now().Unix(),
		c.Message.Content,
		finish,
		resp.Usage.normalize(),
	)
	completion.Choices[0].Message.ToolCalls = c.Message.ToolCalls
	return completion
}

func toChunk(fallbackID, model string, created int64, frame generationResponse) (models.ChatCompletionChunk, bool) {
	c := frame.Output.first()
	finish := finishReason(c.FinishReason)
	delta := models.Delta{Content: c.Message.Content, ToolCalls: c.Message.ToolCalls}
	for i := range delta.ToolCalls {
		if delta.ToolCalls[i].Index == nil {
			idx := i
			delta.ToolCalls[i].Index = &idx
		}
	}

	chunk := models.NewChunk(provider.FirstNonEmpty(frame.RequestID, fallbackID), model, created, delta, finish)
	if finish != nil && frame.Usage != nil {
		u := frame.Usage.normalize()
		chunk.Usage = &u
	}
	return chunk, finish != nil
}

// mapError classifies DashScope string error codes.
func mapError(status int, code, msg string) *apierror.Error {
	kind := apierror.KindInternalServer
	if status != 0 {
		kind = apierror.KindForStatus(status)
	}
	switch {
	case code == "InvalidApiKey":
		kind = apierror.KindAuthentication
	case strings.HasPrefix(code, "Throttling"):
		kind = apierror.KindRateLimit
	case code == "InvalidParameter", code == "DataInspectionFailed", code == "BadRequest.EmptyInput",
		strings.HasPrefix(code, "InvalidParameter."):
		kind = apierror.KindBadRequest
	case code == "Arrearage", code == "AccessDenied", strings.HasPrefix(code, "AccessDenied."):
		kind = apierror.KindPermissionDenied
	}
	return &apierror.Error{
		Kind:     kind,
		Provider: string(provider.KeyQwen),
		Status:   status,
		Code:     code,
		Message:  msg,
	}
}

func decodeError(status int, body []byte) error {
	var resp generationResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Code == "" {
		return nil
	}
	return mapError(status, resp.Code, resp.Message)
}
