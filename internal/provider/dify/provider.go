// Package dify adapts a Dify chat application. Dify keeps conversation
// history on its side, so only the latest user message is sent as the query.
package dify

import (
	"context"
	"encoding/json"
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
	defaultBaseURL = "https://api.dify.ai/v1"
	chatPath       = "/chat-messages"

	envAPIKey  = "DIFY_API_KEY"
	envBaseURL = "DIFY_BASE_URL"

	defaultUser = "llm-gateway"
)

// Options configures the adapter. APIKey and BaseURL fall back to
// DIFY_API_KEY and DIFY_BASE_URL.
type Options struct {
	APIKey string
	// ConversationID continues an existing Dify conversation.
	ConversationID string
	// Inputs fills the app's prompt variables.
	Inputs map[string]any
	provider.ClientOptions
}

// Provider implements provider.ChatProvider for Dify apps.
type Provider struct {
	http           *transport.Client
	logger         zerolog.Logger
	conversationID string
	inputs         map[string]any
}

var _ provider.ChatProvider = (*Provider)(nil)

// New resolves credentials and builds the adapter.
func New(opts Options) (*Provider, error) {
	key := provider.FirstNonEmpty(opts.APIKey, os.Getenv(envAPIKey))
	if err := provider.RequireCredential(provider.KeyDify, "api key", key, envAPIKey); err != nil {
		return nil, err
	}

	opts.BaseURL = provider.FirstNonEmpty(opts.BaseURL, os.Getenv(envBaseURL))
	client, err := transport.New(opts.Transport(provider.KeyDify, defaultBaseURL,
		map[string]string{"Authorization": auth.Bearer(key)}, decodeError))
	if err != nil {
		return nil, err
	}
	inputs := opts.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Provider{http: client, logger: opts.Logger, conversationID: opts.ConversationID, inputs: inputs}, nil
}

func (p *Provider) Name() provider.Key {
	return provider.KeyDify
}

func (p *Provider) CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	req, err := p.buildRequest(params, "blocking")
	if err != nil {
		return nil, err
	}
	var resp event
	err = p.http.JSON(ctx, transport.Request{Method: http.MethodPost, Path: chatPath, Body: req}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Event == "error" {
		return nil, resp.err()
	}
	return models.NewCompletion(
		provider.FirstNonEmpty(resp.MessageID, provider.NewID()),
		params.Model,
		resp.CreatedAt.OrNow(),
		resp.Answer,
		models.FinishStop,
		resp.Metadata.Usage.normalize(),
	), nil
}

func (p *Provider) CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*provider.ChunkStream, error) {
	req, err := p.buildRequest(params, "streaming")
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(ctx, transport.Request{Method: http.MethodPost, Path: chatPath, Body: req, Stream: true})
	if err != nil {
		return nil, err
	}

	id := provider.NewID()
	first := true
	return stream.FromSSE(ctx, resp.Body, func(ev sse.Event) ([]models.ChatCompletionChunk, bool, error) {
		var frame event
		if err := provider.DecodeFrame(provider.KeyDify, ev.Data, &frame); err != nil {
			return nil, false, err
		}
		msgID := provider.FirstNonEmpty(frame.MessageID, id)

		switch frame.Event {
		case "message", "agent_message":
			delta := models.Delta{Content: frame.Answer}
			if first {
				delta.Role = models.RoleAssistant
				first = false
			}
			return []models.ChatCompletionChunk{models.NewChunk(msgID, params.Model, frame.CreatedAt.OrNow(), delta, nil)}, false, nil
		case "message_end":
			chunk := models.NewChunk(msgID, params.Model, frame.CreatedAt.OrNow(), models.Delta{}, models.FinishStop.Ptr())
			if u := frame.Metadata.Usage.normalize(); !u.IsZero() {
				chunk.Usage = &u
			}
			return []models.ChatCompletionChunk{chunk}, true, nil
		case "message_replace":
			chunk := models.NewChunk(msgID, params.Model, frame.CreatedAt.OrNow(),
				models.Delta{Content: frame.Answer}, models.FinishContentFilter.Ptr())
			return []models.ChatCompletionChunk{chunk}, true, nil
		case "error":
			return nil, false, frame.err()
		}
		return nil, false, nil
	}, p.logger), nil
}

type chatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

func (p *Provider) buildRequest(params models.ChatCompletionCreateParams, mode string) (chatRequest, error) {
	msg, ok := params.LastUserMessage()
	if !ok {
		return chatRequest{}, apierror.New(apierror.KindBadRequest, string(provider.KeyDify), "a user message is required")
	}
	return chatRequest{
		Inputs:         p.inputs,
		Query:          msg.Text(),
		ResponseMode:   mode,
		User:           provider.FirstNonEmpty(params.User, defaultUser),
		ConversationID: p.conversationID,
	}, nil
}

type event struct {
	Event          string            `json:"event"`
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	Answer         string            `json:"answer"`
	CreatedAt      provider.UnixTime `json:"created_at"`
	Metadata       struct {
		Usage *usage `json:"usage"`
	} `json:"metadata"`

	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usage) normalize() models.Usage {
	if u == nil {
		return models.Usage{}
	}
	return models.NewUsage(u.PromptTokens, u.CompletionTokens, u.TotalTokens)
}

func (e event) err() *apierror.Error {
	return mapError(e.Status, e.Code, e.Message)
}

// mapError classifies Dify error codes, falling back to the HTTP status.
func mapError(status int, code, msg string) *apierror.Error {
	kind := apierror.KindInternalServer
	if status != 0 {
		kind = apierror.KindForStatus(status)
	}
	switch code {
	case "unauthorized":
		kind = apierror.KindAuthentication
	case "provider_quota_exceeded", "too_many_requests":
		kind = apierror.KindRateLimit
	case "invalid_param", "app_unavailable", "provider_not_initialize", "model_currently_not_support",
		"conversation_not_exists", "not_chat_app":
		kind = apierror.KindBadRequest
	case "completion_request_error":
		kind = apierror.KindInternalServer
	}
	return &apierror.Error{
		Kind:     kind,
		Provider: string(provider.KeyDify),
		Status:   status,
		Code:     code,
		Message:  msg,
	}
}

func decodeError(status int, body []byte) error {
	var e event
	if err := json.Unmarshal(body, &e); err != nil || e.Code == "" {
		return nil
	}
	return mapError(status, e.Code, e.Message)
}
