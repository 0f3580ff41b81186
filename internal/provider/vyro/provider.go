// Package vyro adapts the Vyro Imagine text-to-image API. Chat requests use
// the last user message as the prompt and answer with a data URI.
package vyro

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/auth"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/stream"
	"llm-gateway/internal/transport"
)

const (
	defaultBaseURL = "https://api.vyro.ai/v1"
	generatePath   = "/imagine/api/generations"
	envAPIKey      = "VYRO_API_KEY"

	defaultStyle       = "29"
	defaultAspectRatio = "1:1"
)

// Options configures the adapter. APIKey falls back to VYRO_API_KEY.
type Options struct {
	APIKey string
	provider.ClientOptions
}

// Provider implements provider.ChatProvider and provider.ImageProvider.
type Provider struct {
	http   *transport.Client
	logger zerolog.Logger
}

var (
	_ provider.ChatProvider  = (*Provider)(nil)
	_ provider.ImageProvider = (*Provider)(nil)
)

// New resolves credentials and builds the adapter.
func New(opts Options) (*Provider, error) {
	key := provider.FirstNonEmpty(opts.APIKey, os.Getenv(envAPIKey))
	if err := provider.RequireCredential(provider.KeyVyro, "api key", key, envAPIKey); err != nil {
		return nil, err
	}

	client, err := transport.New(opts.Transport(provider.KeyVyro, defaultBaseURL,
		map[string]string{"Authorization": auth.Bearer(key)}, decodeError))
	if err != nil {
		return nil, err
	}
	return &Provider{http: client, logger: opts.Logger}, nil
}

func (p *Provider) Name() provider.Key {
	return provider.KeyVyro
}

// GenerateImage renders one image and returns it inline as a data URI.
func (p *Provider) GenerateImage(ctx context.Context, params models.ImageGenerateParams) (*models.ImagesResponse, error) {
	body, contentType, err := buildForm(params)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindBadRequest, string(provider.KeyVyro), err)
	}

	data, header, err := p.http.Bytes(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    generatePath,
		Body:    body,
		Headers: map[string]string{"Content-Type": contentType, "Accept": "image/*"},
	})
	if err != nil {
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "image/") {
		mediaType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, &apierror.Error{
			Kind:     apierror.KindInternalServer,
			Provider: string(provider.KeyVyro),
			Message:  fmt.Sprintf("expected an image, got %q", mediaType),
		}
	}

	uri := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return &models.ImagesResponse{
		Created: time.Now().Unix(),
		Data:    []models.Image{{URL: uri}},
	}, nil
}

func (p *Provider) CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	img, err := p.GenerateImage(ctx, imageParams(params))
	if err != nil {
		return nil, err
	}
	return models.NewCompletion(provider.NewID(), params.Model, img.Created, img.Data[0].URL, models.FinishStop, models.Usage{}), nil
}

// CreateStream has no upstream streaming mode and yields the whole image as
// a single final chunk.
func (p *Provider) CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*provider.ChunkStream, error) {
	completion, err := p.CreateCompletion(ctx, params)
	if err != nil {
		return nil, err
	}
	chunk := models.NewChunk(completion.ID, completion.Model, completion.Created,
		models.Delta{Role: models.RoleAssistant, Content: completion.Content()}, models.FinishStop.Ptr())

	sent := false
	return stream.New(ctx, func() (models.ChatCompletionChunk, error) {
		if sent {
			return models.ChatCompletionChunk{}, io.EOF
		}
		sent = true
		return chunk, nil
	}, nil), nil
}

// imageParams treats a numeric model as a style id.
func imageParams(params models.ChatCompletionCreateParams) models.ImageGenerateParams {
	prompt := ""
	if msg, ok := params.LastUserMessage(); ok {
		prompt = msg.Text()
	}
	out := models.ImageGenerateParams{Prompt: prompt, Seed: params.Seed}
	if _, err := strconv.Atoi(params.Model); err == nil {
		out.Style = params.Model
	}
	return out
}

func buildForm(params models.ImageGenerateParams) (*bytes.Buffer, string, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, "", fmt.Errorf("prompt must be provided")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"prompt", params.Prompt},
		{"style_id", provider.FirstNonEmpty(params.Style, defaultStyle)},
		{"aspect_ratio", aspectRatio(params.Size)},
	}
	if params.NegativePrompt != "" {
		fields = append(fields, [2]string{"negative_prompt", params.NegativePrompt})
	}
	if params.Seed != nil {
		fields = append(fields, [2]string{"seed", strconv.Itoa(*params.Seed)})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// aspectRatio accepts "W:H" as-is and reduces "WxH" pixel sizes.
func aspectRatio(size string) string {
	size = strings.TrimSpace(size)
	if size == "" {
		return defaultAspectRatio
	}
	if strings.Contains(size, ":") {
		return size
	}
	ws, hs, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return defaultAspectRatio
	}
	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(hs)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return defaultAspectRatio
	}
	g := gcd(w, h)
	return fmt.Sprintf("%d:%d", w/g, h/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func decodeError(status int, body []byte) error {
	var env struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	msg := env.Message
	switch d := env.Detail.(type) {
	case string:
		msg = provider.FirstNonEmpty(d, msg)
	case nil:
	default:
		if raw, err := json.Marshal(d); err == nil && msg == "" {
			msg = string(raw)
		}
	}
	if msg == "" {
		return nil
	}
	return apierror.FromStatus(string(provider.KeyVyro), status, "", msg)
}
