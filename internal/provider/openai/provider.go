// Package openai passes requests through to any OpenAI-compatible endpoint
// using the go-openai SDK.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/stream"
	"llm-gateway/internal/transport"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	envAPIKey  = "OPENAI_API_KEY"
	envBaseURL = "OPENAI_BASE_URL"
	envOrgID   = "OPENAI_ORG_ID"
)

// Options configures the adapter. Unset fields fall back to OPENAI_API_KEY,
// OPENAI_BASE_URL and OPENAI_ORG_ID.
type Options struct {
	APIKey string
	OrgID  string
	provider.ClientOptions
}

// Provider implements provider.ChatProvider and provider.ImageProvider.
type Provider struct {
	client *openai.Client
	logger zerolog.Logger
}

var (
	_ provider.ChatProvider  = (*Provider)(nil)
	_ provider.ImageProvider = (*Provider)(nil)
)

// New resolves credentials and builds the SDK client on top of the shared
// transport's timeout handling.
func New(opts Options) (*Provider, error) {
	key := provider.FirstNonEmpty(opts.APIKey, os.Getenv(envAPIKey))
	if err := provider.RequireCredential(provider.KeyOpenAI, "api key", key, envAPIKey); err != nil {
		return nil, err
	}
	opts.BaseURL = provider.FirstNonEmpty(opts.BaseURL, os.Getenv(envBaseURL))

	httpClient, err := transport.New(opts.Transport(provider.KeyOpenAI, defaultBaseURL, nil, nil))
	if err != nil {
		return nil, err
	}

	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = httpClient.BaseURL()
	cfg.OrgID = provider.FirstNonEmpty(opts.OrgID, os.Getenv(envOrgID))
	cfg.HTTPClient = httpClient.Doer()

	return &Provider{client: openai.NewClientWithConfig(cfg), logger: opts.Logger}, nil
}

func (p *Provider) Name() provider.Key {
	return provider.KeyOpenAI
}

func (p *Provider) CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	resp, err := p.client.CreateChatCompletion(ctx, buildRequest(params, false))
	if err != nil {
		return nil, mapError(err)
	}
	return toCompletion(resp), nil
}

func (p *Provider) CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*provider.ChunkStream, error) {
	st, err := p.client.CreateChatCompletionStream(ctx, buildRequest(params, true))
	if err != nil {
		return nil, mapError(err)
	}

	return stream.New(ctx, func() (models.ChatCompletionChunk, error) {
		resp, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return models.ChatCompletionChunk{}, io.EOF
		}
		if err != nil {
			ev := p.logger.Error().Err(err).Str("provider", string(provider.KeyOpenAI))
			if frame := rawFrame(err); frame != "" {
				ev = ev.Str("frame", frame)
			}
			ev.Msg("decode stream frame")
			return models.ChatCompletionChunk{}, mapError(err)
		}
		return toChunk(resp), nil
	}, st.Close), nil
}

// GenerateImage calls the images endpoint and returns hosted URLs.
func (p *Provider) GenerateImage(ctx context.Context, params models.ImageGenerateParams) (*models.ImagesResponse, error) {
	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         params.Prompt,
		Model:          params.Model,
		N:              params.N,
		Size:           params.Size,
		Style:          params.Style,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, mapError(err)
	}

	out := &models.ImagesResponse{Created: resp.Created}
	for _, d := range resp.Data {
		url := d.URL
		if url == "" && d.B64JSON != "" {
			url = "data:image/png;base64," + d.B64JSON
		}
		out.Data = append(out.Data, models.Image{URL: url, RevisedPrompt: d.RevisedPrompt})
	}
	return out, nil
}

func buildRequest(params models.ChatCompletionCreateParams, streaming bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    params.Model,
		Messages: toMessages(params.Messages),
		Stream:   streaming,
		Stop:     params.Stop,
		Seed:     params.Seed,
		User:     params.User,
	}
	if streaming {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if params.Temperature != nil {
		req.Temperature = float32(*params.Temperature)
	}
	if params.TopP != nil {
		req.TopP = float32(*params.TopP)
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.PresencePenalty != nil {
		req.PresencePenalty = float32(*params.PresencePenalty)
	}
	if params.FrequencyPenalty != nil {
		req.FrequencyPenalty = float32(*params.FrequencyPenalty)
	}
	if params.N != nil {
		req.N = *params.N
	}
	for _, fn := range params.Functions {
		req.Functions = append(req.Functions, toFunction(fn))
	}
	for _, tool := range params.Tools {
		def := toFunction(tool.Function)
		req.Tools = append(req.Tools, openai.Tool{Type: openai.ToolTypeFunction, Function: &def})
	}
	return req
}

func toFunction(fn models.FunctionDefinition) openai.FunctionDefinition {
	def := openai.FunctionDefinition{Name: fn.Name, Description: fn.Description}
	if len(fn.Parameters) > 0 {
		def.Parameters = fn.Parameters
	}
	return def
}

func toMessages(messages []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		if len(msg.Parts) > 0 {
			for _, part := range msg.Parts {
				switch {
				case part.Type == "text":
					m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
				case part.ImageURL != nil:
					m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL.URL, Detail: openai.ImageURLDetail(part.ImageURL.Detail)},
					})
				}
			}
		} else {
			m.Content = msg.Content
		}
		for _, call := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:       call.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: call.Function.Name, Arguments: call.Function.Arguments},
			})
		}
		out = append(out, m)
	}
	return out
}

func fromToolCalls(calls []openai.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, models.ToolCall{
			Index:    c.Index,
			ID:       c.ID,
			Type:     string(c.Type),
			Function: models.FunctionCall{Name: c.Function.Name, Arguments: c.Function.Arguments},
		})
	}
	return out
}

// finishReason normalizes the SDK value; empty and "null" mean unfinished.
func finishReason(reason openai.FinishReason) *models.FinishReason {
	if f, ok := models.ParseFinishReason(string(reason)); ok {
		return &f
	}
	if reason == "" || reason == openai.FinishReasonNull {
		return nil
	}
	return models.FinishStop.Ptr()
}

func toCompletion(resp openai.ChatCompletionResponse) *models.ChatCompletion {
	out := &models.ChatCompletion{
		ID:      resp.ID,
		Object:  models.ObjectChatCompletion,
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   models.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens),
	}
	for _, c := range resp.Choices {
		finish := models.FinishStop
		if f := finishReason(c.FinishReason); f != nil {
			finish = *f
		}
		msg := models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   c.Message.Content,
			ToolCalls: fromToolCalls(c.Message.ToolCalls),
		}
		if fc := c.Message.FunctionCall; fc != nil {
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{Type: "function", Function: models.FunctionCall{Name: fc.Name, Arguments: fc.Arguments}})
		}
		out.Choices = append(out.Choices, models.Choice{Index: c.Index, Message: msg, FinishReason: finish})
	}
	return out
}

func toChunk(resp openai.ChatCompletionStreamResponse) models.ChatCompletionChunk {
	chunk := models.ChatCompletionChunk{
		ID:      resp.ID,
		Object:  models.ObjectChatCompletionChunk,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]models.ChunkChoice, 0, len(resp.Choices)),
	}
	for _, c := range resp.Choices {
		delta := models.Delta{
			Role:      models.Role(c.Delta.Role),
			Content:   c.Delta.Content,
			ToolCalls: fromToolCalls(c.Delta.ToolCalls),
		}
		if fc := c.Delta.FunctionCall; fc != nil {
			delta.FunctionCall = &models.FunctionCall{Name: fc.Name, Arguments: fc.Arguments}
		}
		chunk.Choices = append(chunk.Choices, models.ChunkChoice{
			Index:        c.Index,
			Delta:        delta,
			FinishReason: finishReason(c.FinishReason),
		})
	}
	if resp.Usage != nil {
		u := models.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
		chunk.Usage = &u
	}
	return chunk
}

// mapError converts SDK errors into the shared taxonomy.
// rawFrame recovers the upstream payload carried by an SDK error, if any.
func rawFrame(err error) string {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && len(reqErr.Body) > 0 {
		return string(reqErr.Body)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if data, mErr := json.Marshal(apiErr); mErr == nil {
			return string(data)
		}
	}
	return ""
}

func mapError(err error) error {
	var classified *apierror.Error
	if errors.As(err, &classified) {
		return classified
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Type
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		out := apierror.FromStatus(string(provider.KeyOpenAI), apiErr.HTTPStatusCode, code, apiErr.Message)
		out.Err = err
		return out
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		out := apierror.FromStatus(string(provider.KeyOpenAI), reqErr.HTTPStatusCode, "", msg)
		out.Err = err
		return out
	}

	kind := apierror.KindOf(err)
	if kind == apierror.KindInternalServer {
		kind = apierror.KindConnection
	}
	return apierror.Wrap(kind, string(provider.KeyOpenAI), err)
}
