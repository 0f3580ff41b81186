// Package minimax adapts the MiniMax chatcompletion API.
package minimax

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

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
	defaultBaseURL = "https://api.minimax.chat/v1"
	chatPath       = "/text/chatcompletion"

	envGroupID = "MINIMAX_API_ORG"
	envAPIKey  = "MINIMAX_API_KEY"

	userName = "user"
	botName  = "assistant"
)

// Options configures the adapter. GroupID and APIKey fall back to
// MINIMAX_API_ORG and MINIMAX_API_KEY.
type Options struct {
	GroupID string
	APIKey  string
	provider.ClientOptions
}

// Provider implements provider.ChatProvider for MiniMax.
type Provider struct {
	http   *transport.Client
	logger zerolog.Logger
}

var _ provider.ChatProvider = (*Provider)(nil)

// New resolves credentials and builds the adapter.
func New(opts Options) (*Provider, error) {
	group := provider.FirstNonEmpty(opts.GroupID, os.Getenv(envGroupID))
	key := provider.FirstNonEmpty(opts.APIKey, os.Getenv(envAPIKey))
	if err := provider.RequireCredential(provider.KeyMinimax, "group id", group, envGroupID); err != nil {
		return nil, err
	}
	if err := provider.RequireCredential(provider.KeyMinimax, "api key", key, envAPIKey); err != nil {
		return nil, err
	}

	topts := opts.Transport(provider.KeyMinimax, defaultBaseURL,
		map[string]string{"Authorization": auth.Bearer(key)}, decodeError)
	topts.Query = map[string]string{"GroupId": group}
	client, err := transport.New(topts)
	if err != nil {
		return nil, err
	}
	return &Provider{http: client, logger: opts.Logger}, nil
}

func (p *Provider) Name() provider.Key {
	return provider.KeyMinimax
}

func (p *Provider) CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	var resp chatResponse
	err := p.http.JSON(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   chatPath,
		Body:   buildRequest(params, false),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.BaseResp.err(); err != nil {
		return nil, err
	}
	return toCompletion(params.Model, resp), nil
}

func (p *Provider) CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*provider.ChunkStream, error) {
	resp, err := p.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   chatPath,
		Body:   buildRequest(params, true),
		Stream: true,
	})
	if err != nil {
		return nil, err
	}

	id := provider.NewID()
	return stream.FromSSE(ctx, resp.Body, func(ev sse.Event) ([]models.ChatCompletionChunk, bool, error) {
		var frame chatResponse
		if err := provider.DecodeFrame(provider.KeyMinimax, ev.Data, &frame); err != nil {
			return nil, false, err
		}
		if err := frame.BaseResp.err(); err != nil {
			return nil, false, err
		}
		chunk, final := toChunk(id, params.Model, frame)
		return []models.ChatCompletionChunk{chunk}, final, nil
	}, p.logger), nil
}

type roleMeta struct {
	UserName string `json:"user_name"`
	BotName  string `json:"bot_name"`
}

type message struct {
	SenderType string `json:"sender_type"`
	Text       string `json:"text"`
}

type chatRequest struct {
	Model            string    `json:"model"`
	Prompt           string    `json:"prompt,omitempty"`
	RoleMeta         *roleMeta `json:"role_meta,omitempty"`
	Messages         []message `json:"messages"`
	Stream           bool      `json:"stream,omitempty"`
	UseStandardSSE   bool      `json:"use_standard_sse,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	TokensToGenerate *int      `json:"tokens_to_generate,omitempty"`
}

func buildRequest(params models.ChatCompletionCreateParams, streaming bool) chatRequest {
	system, rest := params.SplitSystem()

	messages := make([]message, 0, len(rest))
	for _, msg := range rest {
		sender := "USER"
		if msg.Role == models.RoleAssistant {
			sender = "BOT"
		}
		messages = append(messages, message{SenderType: sender, Text: msg.Text()})
	}

	req := chatRequest{
		Model:            params.Model,
		Prompt:           system,
		Messages:         messages,
		Stream:           streaming,
		UseStandardSSE:   streaming,
		Temperature:      params.Temperature,
		TopP:             params.TopP,
		TokensToGenerate: params.MaxTokens,
	}
	if system != "" {
		req.RoleMeta = &roleMeta{UserName: userName, BotName: botName}
	}
	return req
}

type chatResponse struct {
	ID       string            `json:"id"`
	Created  provider.UnixTime `json:"created"`
	Reply    string            `json:"reply"`
	Choices  []choice          `json:"choices"`
	Usage    *usage            `json:"usage"`
	BaseResp baseResp          `json:"base_resp"`
}

type choice struct {
	Text         string `json:"text"`
	Delta        string `json:"delta"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

type usage struct {
	TotalTokens int `json:"total_tokens"`
}

func (u *usage) normalize() models.Usage {
	if u == nil {
		return models.Usage{}
	}
	// Only the total is reported; it is attributed to the completion.
	return models.Usage{CompletionTokens: u.TotalTokens, TotalTokens: u.TotalTokens}
}

type baseResp struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

func (b baseResp) err() error {
	if b.StatusCode == 0 {
		return nil
	}
	return mapError(b.StatusCode, b.StatusMsg)
}

func finishReason(reason string) *models.FinishReason {
	switch reason {
	case "":
		return nil
	case "length", "max_output":
		return models.FinishLength.Ptr()
	}
	return models.FinishStop.Ptr()
}

func toCompletion(model string, resp chatResponse) *models.ChatCompletion {
	text := resp.Reply
	finish := models.FinishStop
	if len(resp.Choices) > 0 {
		if resp.Choices[0].Text != "" {
			text = resp.Choices[0].Text
		}
		if f := finishReason(resp.Choices[0].FinishReason); f != nil {
			finish = *f
		}
	}
	return models.NewCompletion(
		provider.FirstNonEmpty(resp.ID, provider.NewID()),
		model,
		resp.Created.OrNow(),
		text,
		finish,
		resp.Usage.normalize(),
	)
}

// toChunk converts one frame. The closing frame repeats the whole reply in
// "reply" and must not be emitted as a delta.
func toChunk(fallbackID, model string, frame chatResponse) (models.ChatCompletionChunk, bool) {
	var delta models.Delta
	var finish *models.FinishReason
	if len(frame.Choices) > 0 {
		c := frame.Choices[0]
		finish = finishReason(c.FinishReason)
		if frame.Reply == "" {
			delta.Content = c.Delta
			if delta.Content == "" {
				delta.Content = c.Text
			}
		}
	}
	final := finish != nil || frame.Reply != ""
	if final && finish == nil {
		finish = models.FinishStop.Ptr()
	}

	chunk := models.NewChunk(provider.FirstNonEmpty(frame.ID, fallbackID), model, frame.Created.OrNow(), delta, finish)
	if final && frame.Usage != nil {
		u := frame.Usage.normalize()
		chunk.Usage = &u
	}
	return chunk, final
}

// mapError classifies MiniMax base_resp status codes.
func mapError(code int, msg string) *apierror.Error {
	kind := apierror.KindInternalServer
	switch code {
	case 1002, 1039:
		kind = apierror.KindRateLimit
	case 1004:
		kind = apierror.KindAuthentication
	case 1008:
		kind = apierror.KindPermissionDenied
	case 2013:
		kind = apierror.KindBadRequest
	}
	return &apierror.Error{
		Kind:     kind,
		Provider: string(provider.KeyMinimax),
		Code:     fmt.Sprint(code),
		Message:  msg,
	}
}

func decodeError(status int, body []byte) error {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.BaseResp.StatusCode == 0 {
		return nil
	}
	apiErr := mapError(resp.BaseResp.StatusCode, resp.BaseResp.StatusMsg)
	apiErr.Status = status
	return apiErr
}
