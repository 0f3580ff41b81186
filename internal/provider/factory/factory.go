// Package factory builds provider clients from a provider key and
// credentials.
package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"llm-gateway/internal/config"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/provider/dify"
	"llm-gateway/internal/provider/ernie"
	"llm-gateway/internal/provider/gemini"
	"llm-gateway/internal/provider/hunyuan"
	"llm-gateway/internal/provider/minimax"
	"llm-gateway/internal/provider/openai"
	"llm-gateway/internal/provider/qwen"
	"llm-gateway/internal/provider/spark"
	"llm-gateway/internal/provider/vyro"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Option adjusts the transport settings of a client built by New.
type Option func(*provider.ClientOptions)

// WithBaseURL overrides the provider's default endpoint.
func WithBaseURL(u string) Option {
	return func(o *provider.ClientOptions) { o.BaseURL = u }
}

// WithTimeout bounds each request until response headers arrive.
func WithTimeout(d time.Duration) Option {
	return func(o *provider.ClientOptions) { o.Timeout = d }
}

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *provider.ClientOptions) { o.HTTPClient = c }
}

// WithHeaders adds headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(o *provider.ClientOptions) { o.Headers = h }
}

// WithLogger sets the logger handed to the adapter.
func WithLogger(l zerolog.Logger) Option {
	return func(o *provider.ClientOptions) { o.Logger = l }
}

// New builds a client for key. Credentials left empty fall back to the
// provider's environment variables.
func New(key provider.Key, creds provider.Credentials, opts ...Option) (*provider.Client, error) {
	p, err := NewProvider(key, creds, opts...)
	if err != nil {
		return nil, err
	}
	return provider.NewClient(p), nil
}

// NewProvider builds the bare adapter for key.
func NewProvider(key provider.Key, creds provider.Credentials, opts ...Option) (provider.ChatProvider, error) {
	k, err := provider.ParseKey(string(key))
	if err != nil {
		return nil, err
	}

	co := provider.ClientOptions{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&co)
	}
	if co.HTTPClient == nil {
		co.HTTPClient = NewHTTPClient()
	}
	co.Logger = co.Logger.With().Str("provider", string(k)).Logger()

	switch k {
	case provider.KeyOpenAI:
		return openai.New(openai.Options{APIKey: creds.APIKey, OrgID: creds.OrgID, ClientOptions: co})
	case provider.KeyErnie:
		return ernie.New(ernie.Options{AccessToken: creds.APIKey, ClientOptions: co})
	case provider.KeyGemini:
		return gemini.New(gemini.Options{APIKey: creds.APIKey, ClientOptions: co})
	case provider.KeyHunyuan:
		return hunyuan.New(hunyuan.Options{AppID: creds.AppID, SecretID: creds.SecretID, SecretKey: creds.SecretKey, ClientOptions: co})
	case provider.KeyMinimax:
		return minimax.New(minimax.Options{GroupID: creds.GroupID, APIKey: creds.APIKey, ClientOptions: co})
	case provider.KeyQwen:
		return qwen.New(qwen.Options{APIKey: creds.APIKey, ClientOptions: co})
	case provider.KeySpark:
		return spark.New(spark.Options{AppID: creds.AppID, APIKey: creds.APIKey, APISecret: creds.APISecret, ClientOptions: co})
	case provider.KeyVyro:
		return vyro.New(vyro.Options{APIKey: creds.APIKey, ClientOptions: co})
	case provider.KeyDify:
		return dify.New(dify.Options{APIKey: creds.APIKey, ClientOptions: co})
	}
	return nil, fmt.Errorf("provider %s has no constructor", k)
}

// RegisterConfiguredProviders constructs every configured provider and
// stores it in the registry together with its aliases.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry, logger zerolog.Logger) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	httpClient := NewHTTPClient()
	for _, name := range cfg.ProviderKeys() {
		pc := cfg.Providers[name]
		key, err := provider.ParseKey(name)
		if err != nil {
			return err
		}

		p, err := NewProvider(key, pc.Credentials(),
			WithBaseURL(pc.BaseURL),
			WithTimeout(cfg.TimeoutFor(name)),
			WithHeaders(pc.Headers),
			WithHTTPClient(httpClient),
			WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", key, err)
		}
		if err := registry.Register(p, pc.Aliases); err != nil {
			return fmt.Errorf("register %s provider: %w", key, err)
		}
		logger.Debug().Str("provider", string(key)).Int("aliases", len(pc.Aliases)).Msg("provider registered")
	}
	return nil
}

// NewHTTPClient returns a keep-alive pooled client. Timeouts are enforced per
// request by the transport.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{Transport: transport}
}
