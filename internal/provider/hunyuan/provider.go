// Package hunyuan adapts Tencent HunYuan, whose requests are signed with
// HMAC-SHA1 over the canonicalized body.
package hunyuan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
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
	defaultBaseURL = "https://hunyuan.cloud.tencent.com"
	chatPath       = "/hyllm/v1/chat/completions"

	envAppID     = "HUNYUAN_APP_ID"
	envSecretID  = "HUNYUAN_SECRET_ID"
	envSecretKey = "HUNYUAN_SECRET_KEY"

	signatureTTL = 24 * time.Hour
)

// Options configures the adapter. Each credential falls back to its
// HUNYUAN_* environment variable.
type Options struct {
	AppID     string
	SecretID  string
	SecretKey string
	provider.ClientOptions

	// Now overrides the signing clock.
	Now func() time.Time
}

// Provider implements provider.ChatProvider for HunYuan.
type Provider struct {
	http      *transport.Client
	logger    zerolog.Logger
	appID     int64
	secretID  string
	secretKey string
	now       func() time.Time
}

var _ provider.ChatProvider = (*Provider)(nil)

// New resolves the credential triple and builds the adapter.
func New(opts Options) (*Provider, error) {
	appID := provider.FirstNonEmpty(opts.AppID, os.Getenv(envAppID))
	secretID := provider.FirstNonEmpty(opts.SecretID, os.Getenv(envSecretID))
	secretKey := provider.FirstNonEmpty(opts.SecretKey, os.Getenv(envSecretKey))
	for _, c := range []struct{ name, value, env string }{
		{"app id", appID, envAppID},
		{"secret id", secretID, envSecretID},
		{"secret key", secretKey, envSecretKey},
	} {
		if err := provider.RequireCredential(provider.KeyHunyuan, c.name, c.value, c.env); err != nil {
			return nil, err
		}
	}
	id, err := strconv.ParseInt(appID, 10, 64)
	if err != nil {
		return nil, &apierror.Error{Kind: apierror.KindConfiguration, Provider: string(provider.KeyHunyuan), Message: "app id must be numeric", Err: err}
	}

	client, err := transport.New(opts.Transport(provider.KeyHunyuan, defaultBaseURL, nil, decodeError))
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{
		http:      client,
		logger:    opts.Logger,
		appID:     id,
		secretID:  secretID,
		secretKey: secretKey,
		now:       now,
	}, nil
}

func (p *Provider) Name() provider.Key {
	return provider.KeyHunyuan
}

func (p *Provider) CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	req, err := p.signedRequest(params, false)
	if err != nil {
		return nil, err
	}
	var resp chatResponse
	if err := p.http.JSON(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil && resp.Error.Code != 0 {
		return nil, mapError(resp.Error.Code, resp.Error.Message)
	}
	return toCompletion(params.Model, resp), nil
}

func (p *Provider) CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*provider.ChunkStream, error) {
	req, err := p.signedRequest(params, true)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	fallbackID := provider.NewID()
	return stream.FromSSE(ctx, resp.Body, func(ev sse.Event) ([]models.ChatCompletionChunk, bool, error) {
		var frame chatResponse
		if err := provider.DecodeFrame(provider.KeyHunyuan, ev.Data, &frame); err != nil {
			return nil, false, err
		}
		if frame.Error != nil && frame.Error.Code != 0 {
			return nil, false, mapError(frame.Error.Code, frame.Error.Message)
		}
		chunk, final := toChunk(fallbackID, params.Model, frame)
		return []models.ChatCompletionChunk{chunk}, final, nil
	}, p.logger), nil
}

// signedRequest encodes the body once so the bytes on the wire are exactly
// the ones that were signed.
func (p *Provider) signedRequest(params models.ChatCompletionCreateParams, streaming bool) (transport.Request, error) {
	body := p.buildRequest(params, streaming)

	endpoint := p.http.BaseURL() + chatPath
	signature, err := auth.SignHunyuan(p.secretKey, endpoint, body)
	if err != nil {
		return transport.Request{}, apierror.Wrap(apierror.KindBadRequest, string(provider.KeyHunyuan), err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return transport.Request{}, apierror.Wrap(apierror.KindBadRequest, string(provider.KeyHunyuan), err)
	}

	return transport.Request{
		Method: http.MethodPost,
		Path:   chatPath,
		Body:   &buf,
		Stream: streaming,
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": signature,
		},
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	AppID       int64     `json:"app_id"`
	SecretID    string    `json:"secret_id"`
	Timestamp   int64     `json:"timestamp"`
	Expired     int64     `json:"expired"`
	QueryID     string    `json:"query_id"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      int       `json:"stream"`
	Messages    []message `json:"messages"`
}

func (p *Provider) buildRequest(params models.ChatCompletionCreateParams, streaming bool) chatRequest {
	now := p.now()
	req := chatRequest{
		AppID:       p.appID,
		SecretID:    p.secretID,
		Timestamp:   now.Unix(),
		Expired:     now.Add(signatureTTL).Unix(),
		QueryID:     uuid.NewString(),
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Messages:    toMessages(params),
	}
	if streaming {
		req.Stream = 1
	}
	return req
}

// toMessages folds a leading system prompt into the first user turn; the
// API only accepts alternating user and assistant roles.
func toMessages(params models.ChatCompletionCreateParams) []message {
	system, rest := params.SplitSystem()

	out := make([]message, 0, len(rest))
	for _, msg := range rest {
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "assistant"
		}
		out = append(out, message{Role: role, Content: msg.Text()})
	}
	if system == "" {
		return out
	}
	for i := range out {
		if out[i].Role == "user" {
			out[i].Content = system + "\n\n" + out[i].Content
			return out
		}
	}
	return append([]message{{Role: "user", Content: system}}, out...)
}

type chatResponse struct {
	ID      string            `json:"id"`
	Created provider.UnixTime `json:"created"`
	Choices []choice          `json:"choices"`
	Usage   *usage            `json:"usage"`
	Error   *apiError         `json:"error"`
}

type choice struct {
	FinishReason string   `json:"finish_reason"`
	Messages     *message `json:"messages"`
	Delta        *message `json:"delta"`
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

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func finishReason(reason string) *models.FinishReason {
	switch reason {
	case "":
		return nil
	case "sensitive":
		return models.FinishContentFilter.Ptr()
	case "length":
		return models.FinishLength.Ptr()
	}
	return models.FinishStop.Ptr()
}

func toCompletion(model string, resp chatResponse) *models.ChatCompletion {
	text := ""
	finish := models.FinishStop
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		if c.Messages != nil {
			text = c.Messages.Content
		}
		if f := finishReason(c.FinishReason); f != nil {
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

func toChunk(fallbackID, model string, frame chatResponse) (models.ChatCompletionChunk, bool) {
	var delta models.Delta
	var finish *models.FinishReason
	if len(frame.Choices) > 0 {
		c := frame.Choices[0]
		if c.Delta != nil {
			delta.Content = c.Delta.Content
			if c.Delta.Role != "" {
				delta.Role = models.Role(c.Delta.Role)
			}
		}
		finish = finishReason(c.FinishReason)
	}

	chunk := models.NewChunk(provider.FirstNonEmpty(frame.ID, fallbackID), model, frame.Created.OrNow(), delta, finish)
	if finish != nil && frame.Usage != nil {
		u := frame.Usage.normalize()
		chunk.Usage = &u
	}
	return chunk, finish != nil
}

// mapError classifies HunYuan error codes.
func mapError(code int, msg string) *apierror.Error {
	kind := apierror.KindInternalServer
	switch code {
	case 2001, 2002:
		kind = apierror.KindAuthentication
	case 2003, 2004:
		kind = apierror.KindPermissionDenied
	case 2005, 2006:
		kind = apierror.KindRateLimit
	case 2007, 2008:
		kind = apierror.KindBadRequest
	}
	return &apierror.Error{
		Kind:     kind,
		Provider: string(provider.KeyHunyuan),
		Code:     fmt.Sprint(code),
		Message:  msg,
	}
}

func decodeError(status int, body []byte) error {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == nil || resp.Error.Code == 0 {
		return nil
	}
	apiErr := mapError(resp.Error.Code, resp.Error.Message)
	apiErr.Status = status
	return apiErr
}
