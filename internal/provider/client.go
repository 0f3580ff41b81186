package provider

import (
	"context"
	"errors"
	"fmt"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/models"
)

// Result is either a complete response or a live stream, selected by the
// request's Stream flag.
type Result struct {
	Completion *models.ChatCompletion
	Stream     *ChunkStream
}

// IsStream reports whether the result carries a stream.
func (r Result) IsStream() bool {
	return r.Stream != nil
}

// Client is the provider-independent entry point.
type Client struct {
	Chat     *ChatService
	Images   *ImagesService
	provider ChatProvider
}

// ChatService groups chat operations.
type ChatService struct {
	Completions *CompletionsService
}

// CompletionsService creates chat completions against one provider.
type CompletionsService struct {
	provider ChatProvider
}

// NewClient wraps an adapter.
func NewClient(p ChatProvider) *Client {
	return &Client{
		Chat:     &ChatService{Completions: &CompletionsService{provider: p}},
		Images:   &ImagesService{provider: p},
		provider: p,
	}
}

// Provider returns the wrapped adapter.
func (c *Client) Provider() ChatProvider {
	return c.provider
}

// Create dispatches on params.Stream.
func (s *CompletionsService) Create(ctx context.Context, params models.ChatCompletionCreateParams) (Result, error) {
	if params.Stream {
		st, err := s.NewStreaming(ctx, params)
		if err != nil {
			return Result{}, err
		}
		return Result{Stream: st}, nil
	}
	completion, err := s.New(ctx, params)
	if err != nil {
		return Result{}, err
	}
	return Result{Completion: completion}, nil
}

// New returns a complete response.
func (s *CompletionsService) New(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	params.Stream = false
	if err := s.validate(params); err != nil {
		return nil, err
	}
	return s.provider.CreateCompletion(ctx, params)
}

// NewStreaming returns a chunk stream.
func (s *CompletionsService) NewStreaming(ctx context.Context, params models.ChatCompletionCreateParams) (*ChunkStream, error) {
	params.Stream = true
	if err := s.validate(params); err != nil {
		return nil, err
	}
	return s.provider.CreateStream(ctx, params)
}

func (s *CompletionsService) validate(params models.ChatCompletionCreateParams) error {
	if s.provider == nil {
		return errors.New("client has no provider")
	}
	if err := params.Validate(); err != nil {
		return &apierror.Error{Kind: apierror.KindBadRequest, Provider: string(s.provider.Name()), Message: err.Error(), Err: err}
	}
	return nil
}

// ImagesService generates images when the provider supports it.
type ImagesService struct {
	provider ChatProvider
}

// Supported reports whether the provider implements ImageProvider.
func (s *ImagesService) Supported() bool {
	_, ok := s.provider.(ImageProvider)
	return ok
}

// Generate creates images from a prompt.
func (s *ImagesService) Generate(ctx context.Context, params models.ImageGenerateParams) (*models.ImagesResponse, error) {
	gen, ok := s.provider.(ImageProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not generate images", ErrUnsupportedOperation, s.provider.Name())
	}
	if err := params.Validate(); err != nil {
		return nil, &apierror.Error{Kind: apierror.KindBadRequest, Provider: string(s.provider.Name()), Message: err.Error(), Err: err}
	}
	return gen.GenerateImage(ctx, params)
}
