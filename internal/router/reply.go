package router

import (
	"context"
	"strings"

	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/provider/factory"
)

// ReplyTypeText is the only reply type the gateway produces.
const ReplyTypeText = "TEXT"

// LLMConfig selects a provider for a one-shot reply.
type LLMConfig struct {
	LLMType string `json:"llmType" yaml:"llm_type"`
	BaseURL string `json:"baseUrl" yaml:"base_url"`
	Key     string `json:"key" yaml:"key"`
	Model   string `json:"model" yaml:"model"`
	// Stream pulls the answer as a stream and concatenates the deltas.
	Stream bool `json:"stream,omitempty" yaml:"stream"`
}

// Message is a plain role/content turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is the provider-independent answer handed back to callers.
type Reply struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Reply asks the configured provider for an answer. Any failure, including a
// panic inside an adapter, is logged and reported as nil.
func (r *Router) Reply(ctx context.Context, cfg LLMConfig, messages []Message) (reply *Reply) {
	log := r.logger.With().Str("provider", cfg.LLMType).Str("model", cfg.Model).Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("reply aborted")
			reply = nil
		}
	}()

	client, err := factory.New(provider.Key(cfg.LLMType), provider.Credentials{APIKey: cfg.Key},
		factory.WithBaseURL(cfg.BaseURL),
		factory.WithHTTPClient(r.httpClient),
		factory.WithLogger(r.logger),
	)
	if err != nil {
		log.Warn().Err(err).Msg("reply provider unavailable")
		return nil
	}

	params := models.ChatCompletionCreateParams{Model: cfg.Model, Messages: toChatMessages(messages)}
	var completion *models.ChatCompletion
	if cfg.Stream {
		var st *provider.ChunkStream
		st, err = client.Chat.Completions.NewStreaming(ctx, params)
		if err == nil {
			completion, err = provider.Accumulate(st)
		}
	} else {
		completion, err = client.Chat.Completions.New(ctx, params)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		log.Warn().Err(err).Msg("reply failed")
		return nil
	}
	return &Reply{Type: ReplyTypeText, Content: completion.Content()}
}

func toChatMessages(in []Message) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(in))
	for _, m := range in {
		out = append(out, models.ChatMessage{
			Role:    models.Role(strings.ToLower(strings.TrimSpace(m.Role))),
			Content: m.Content,
		})
	}
	return out
}
