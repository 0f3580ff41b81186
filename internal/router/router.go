package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"llm-gateway/internal/metrics"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/provider/factory"
	"llm-gateway/internal/stream"
)

// Router dispatches requests to the provider named by the model reference.
type Router struct {
	registry   *provider.Registry
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	httpClient *http.Client
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics records every dispatched request.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the router's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry, opts ...Option) *Router {
	r := &Router{
		registry:   registry,
		logger:     zerolog.Nop(),
		httpClient: factory.NewHTTPClient(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chat routes a chat completion to the provider addressed by params.Model,
// an alias or "provider/model".
func (r *Router) Chat(ctx context.Context, params models.ChatCompletionCreateParams) (provider.Result, error) {
	client, model, err := r.registry.Resolve(params.Model)
	if err != nil {
		return provider.Result{}, err
	}
	name := string(client.Provider().Name())
	params.Model = model

	op := metrics.OpCompletion
	if params.Stream {
		op = metrics.OpStream
	}
	start := time.Now()
	res, err := client.Chat.Completions.Create(ctx, params)
	r.metrics.ObserveRequest(name, op, err, time.Since(start))
	if err != nil {
		r.logger.Warn().Err(err).Str("provider", name).Str("model", model).Msg("chat request failed")
		return provider.Result{}, fmt.Errorf("provider %s chat request: %w", name, err)
	}

	if res.IsStream() {
		res.Stream = r.instrument(ctx, name, res.Stream)
	} else {
		r.metrics.AddTokens(name, res.Completion.Usage.PromptTokens, res.Completion.Usage.CompletionTokens)
	}
	return res, nil
}

// GenerateImage routes an image request the same way as Chat.
func (r *Router) GenerateImage(ctx context.Context, params models.ImageGenerateParams) (*models.ImagesResponse, error) {
	client, model, err := r.registry.Resolve(params.Model)
	if err != nil {
		return nil, err
	}
	name := string(client.Provider().Name())
	params.Model = model

	start := time.Now()
	out, err := client.Images.Generate(ctx, params)
	r.metrics.ObserveRequest(name, metrics.OpImage, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("provider %s image request: %w", name, err)
	}
	return out, nil
}

// instrument counts delivered chunks and the usage reported on them.
func (r *Router) instrument(ctx context.Context, name string, in *provider.ChunkStream) *provider.ChunkStream {
	return stream.New(ctx, func() (models.ChatCompletionChunk, error) {
		chunk, err := in.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Warn().Err(err).Str("provider", name).Msg("stream ended with error")
			}
			return chunk, err
		}
		r.metrics.AddChunk(name)
		if chunk.Usage != nil {
			r.metrics.AddTokens(name, chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
		}
		return chunk, nil
	}, in.Close)
}
