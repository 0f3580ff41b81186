package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/models"
	"llm-gateway/internal/stream"
	"llm-gateway/internal/transport"
)

// Key identifies a supported provider family.
type Key string

const (
	KeyOpenAI  Key = "openai"
	KeyErnie   Key = "ernie"
	KeyGemini  Key = "gemini"
	KeyHunyuan Key = "hunyuan"
	KeyMinimax Key = "minimax"
	KeyQwen    Key = "qwen"
	KeySpark   Key = "spark"
	KeyVyro    Key = "vyro"
	KeyDify    Key = "dify"
)

// Keys lists every supported provider in a stable order.
func Keys() []Key {
	return []Key{KeyOpenAI, KeyErnie, KeyGemini, KeyHunyuan, KeyMinimax, KeyQwen, KeySpark, KeyVyro, KeyDify}
}

// ParseKey validates a provider name.
func ParseKey(s string) (Key, error) {
	k := Key(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Keys() {
		if k == known {
			return k, nil
		}
	}
	return "", apierror.New(apierror.KindUnknownProvider, s, fmt.Sprintf("unknown provider %q", s))
}

// ChunkStream is the normalized streaming result.
type ChunkStream = stream.Stream[models.ChatCompletionChunk]

// ChatProvider is implemented by every adapter.
type ChatProvider interface {
	Name() Key
	CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error)
	CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*ChunkStream, error)
}

// ImageProvider is implemented by adapters that can generate images.
type ImageProvider interface {
	GenerateImage(ctx context.Context, params models.ImageGenerateParams) (*models.ImagesResponse, error)
}

// ClientOptions carries the transport settings shared by every adapter.
type ClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Headers    map[string]string
	Logger     zerolog.Logger
}

// Credentials is the union of secrets the providers need. Each adapter reads
// only its own fields and falls back to its environment variables.
type Credentials struct {
	APIKey    string
	OrgID     string
	AppID     string
	SecretID  string
	SecretKey string
	APISecret string
	GroupID   string
}

// NewID returns a completion ID for providers that do not supply one.
func NewID() string {
	return "chatcmpl-" + uuid.NewString()
}

// FirstNonEmpty returns the first argument that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// RequireCredential reports a configuration error for a missing secret.
func RequireCredential(p Key, name, value, env string) error {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return apierror.New(apierror.KindConfiguration, string(p),
		fmt.Sprintf("%s is required; pass it explicitly or set %s", name, env))
}

// DecodeFrame unmarshals one stream frame, classifying malformed JSON as a
// provider-side failure.
func DecodeFrame(p Key, data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return &apierror.Error{Kind: apierror.KindInternalServer, Provider: string(p), Message: "malformed stream frame", Err: err}
	}
	return nil
}

// UnixTime decodes a timestamp sent either as a number or a numeric string.
type UnixTime int64

func (t *UnixTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*t = UnixTime(v)
	return nil
}

// OrNow returns t, or the current time when t is zero.
func (t UnixTime) OrNow() int64 {
	if t == 0 {
		return time.Now().Unix()
	}
	return int64(t)
}

// Transport builds transport options for an adapter. extra headers are
// layered over the caller's headers.
func (o ClientOptions) Transport(p Key, defaultBaseURL string, extra map[string]string, decode transport.ErrorDecoder) transport.Options {
	headers := make(map[string]string, len(o.Headers)+len(extra))
	for k, v := range o.Headers {
		headers[k] = v
	}
	for k, v := range extra {
		headers[k] = v
	}
	return transport.Options{
		Provider:    string(p),
		BaseURL:     FirstNonEmpty(o.BaseURL, defaultBaseURL),
		Headers:     headers,
		Timeout:     o.Timeout,
		HTTPClient:  o.HTTPClient,
		Logger:      o.Logger,
		DecodeError: decode,
	}
}
