// Package spark adapts iFlytek Spark, which streams over a WebSocket whose
// URL carries the HMAC-SHA256 handshake signature.
package spark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/auth"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/stream"
	"llm-gateway/internal/transport"
)

const (
	defaultBaseURL = "wss://spark-api.xf-yun.com"

	envAppID     = "SPARK_APP_ID"
	envAPIKey    = "SPARK_API_KEY"
	envAPISecret = "SPARK_API_SECRET"

	// statusLast marks the final frame of an answer.
	statusLast = 2
	queueSize  = 64
	maxUIDLen  = 32
)

type version struct {
	path   string
	domain string
}

var versions = map[string]version{
	"spark-1.5":   {"/v1.1/chat", "general"},
	"general":     {"/v1.1/chat", "general"},
	"spark-2":     {"/v2.1/chat", "generalv2"},
	"generalv2":   {"/v2.1/chat", "generalv2"},
	"spark-3":     {"/v3.1/chat", "generalv3"},
	"generalv3":   {"/v3.1/chat", "generalv3"},
	"spark-3.5":   {"/v3.5/chat", "generalv3.5"},
	"generalv3.5": {"/v3.5/chat", "generalv3.5"},
}

func resolveVersion(model string) (version, error) {
	v, ok := versions[strings.ToLower(strings.TrimSpace(model))]
	if !ok {
		return version{}, apierror.New(apierror.KindBadRequest, string(provider.KeySpark), fmt.Sprintf("unsupported model %q", model))
	}
	return v, nil
}

// Options configures the adapter. Each credential falls back to its SPARK_*
// environment variable.
type Options struct {
	AppID     string
	APIKey    string
	APISecret string
	provider.ClientOptions

	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer
	// Now overrides the signing clock.
	Now func() time.Time
}

// Provider implements provider.ChatProvider for Spark.
type Provider struct {
	baseURL   string
	appID     string
	apiKey    string
	apiSecret string
	timeout   time.Duration
	dialer    *websocket.Dialer
	logger    zerolog.Logger
	now       func() time.Time
}

var _ provider.ChatProvider = (*Provider)(nil)

// New resolves the credential triple and builds the adapter.
func New(opts Options) (*Provider, error) {
	appID := provider.FirstNonEmpty(opts.AppID, os.Getenv(envAppID))
	apiKey := provider.FirstNonEmpty(opts.APIKey, os.Getenv(envAPIKey))
	apiSecret := provider.FirstNonEmpty(opts.APISecret, os.Getenv(envAPISecret))
	for _, c := range []struct{ name, value, env string }{
		{"app id", appID, envAppID},
		{"api key", apiKey, envAPIKey},
		{"api secret", apiSecret, envAPISecret},
	} {
		if err := provider.RequireCredential(provider.KeySpark, c.name, c.value, c.env); err != nil {
			return nil, err
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		baseURL:   strings.TrimRight(provider.FirstNonEmpty(opts.BaseURL, defaultBaseURL), "/"),
		appID:     appID,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		timeout:   timeout,
		dialer:    dialer,
		logger:    opts.Logger,
		now:       now,
	}, nil
}

func (p *Provider) Name() provider.Key {
	return provider.KeySpark
}

// CreateCompletion drains a stream; Spark has no non-streaming mode.
func (p *Provider) CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	st, err := p.CreateStream(ctx, params)
	if err != nil {
		return nil, err
	}
	completion, err := provider.Accumulate(st)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, apierror.Wrap(apierror.KindOf(ctx.Err()), string(provider.KeySpark), ctx.Err())
	}
	return completion, nil
}

// CreateStream opens one WebSocket session per call. A reader goroutine
// feeds frames into a bounded pipe; a slow consumer stalls the reader.
func (p *Provider) CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*provider.ChunkStream, error) {
	v, err := resolveVersion(params.Model)
	if err != nil {
		return nil, err
	}
	signed, err := auth.SignSparkURL(p.baseURL+v.path, p.apiKey, p.apiSecret, p.now())
	if err != nil {
		return nil, &apierror.Error{Kind: apierror.KindConfiguration, Provider: string(provider.KeySpark), Message: "sign url", Err: err}
	}

	conn, resp, err := p.dialer.DialContext(ctx, signed, nil)
	if err != nil {
		return nil, p.dialError(ctx, resp, err)
	}
	p.logger.Debug().Str("provider", string(provider.KeySpark)).Str("path", v.path).Msg("websocket connected")

	var closeOnce sync.Once
	closeConn := func() error {
		var err error
		closeOnce.Do(func() { err = conn.Close() })
		return err
	}

	if err := conn.WriteJSON(p.buildRequest(params, v.domain)); err != nil {
		_ = closeConn()
		return nil, apierror.Wrap(apierror.KindConnection, string(provider.KeySpark), err)
	}

	pipe := stream.NewPipe[models.ChatCompletionChunk](queueSize)
	stopAfter := context.AfterFunc(ctx, func() { _ = closeConn() })
	go p.read(ctx, conn, pipe, params.Model)

	return stream.FromPipe(ctx, pipe, func() error {
		stopAfter()
		return closeConn()
	}), nil
}

func (p *Provider) read(ctx context.Context, conn *websocket.Conn, pipe *stream.Pipe[models.ChatCompletionChunk], model string) {
	id := provider.NewID()
	created := p.now().Unix()
	_ = conn.SetReadDeadline(time.Now().Add(p.timeout))
	first := true

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			pipe.CloseWithError(p.readError(ctx, err))
			return
		}
		if first {
			_ = conn.SetReadDeadline(time.Time{})
			first = false
		}

		var frame response
		if err := provider.DecodeFrame(provider.KeySpark, string(data), &frame); err != nil {
			p.logger.Error().Err(err).Str("frame", string(data)).Msg("decode stream frame")
			pipe.CloseWithError(err)
			return
		}
		if frame.Header.Code != 0 {
			pipe.CloseWithError(mapError(frame.Header.Code, frame.Header.Message))
			return
		}

		chunk, final := toChunk(provider.FirstNonEmpty(frame.Header.SID, id), model, created, frame)
		if !pipe.Send(chunk) {
			return
		}
		if final {
			pipe.CloseWithError(nil)
			return
		}
	}
}

func (p *Provider) dialError(ctx context.Context, resp *http.Response, err error) error {
	if ctx.Err() != nil {
		return apierror.Wrap(apierror.KindOf(ctx.Err()), string(provider.KeySpark), err)
	}
	if resp != nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var envelope struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &envelope) == nil && envelope.Message != "" {
			msg = envelope.Message
		}
		apiErr := apierror.FromStatus(string(provider.KeySpark), resp.StatusCode, "", msg)
		apiErr.Err = err
		return apiErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.Wrap(apierror.KindTimeout, string(provider.KeySpark), err)
	}
	return apierror.Wrap(apierror.KindConnection, string(provider.KeySpark), err)
}

func (p *Provider) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &apierror.Error{Kind: apierror.KindTimeout, Provider: string(provider.KeySpark), Message: fmt.Sprintf("no frame within %s", p.timeout), Err: err}
	}
	return &apierror.Error{Kind: apierror.KindConnection, Provider: string(provider.KeySpark), Message: "connection closed before the final frame", Err: err}
}

type request struct {
	Header    requestHeader    `json:"header"`
	Parameter requestParameter `json:"parameter"`
	Payload   requestPayload   `json:"payload"`
}

type requestHeader struct {
	AppID string `json:"app_id"`
	UID   string `json:"uid,omitempty"`
}

type requestParameter struct {
	Chat chatParameter `json:"chat"`
}

type chatParameter struct {
	Domain      string   `json:"domain"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
}

type requestPayload struct {
	Message   textList      `json:"message"`
	Functions *functionList `json:"functions,omitempty"`
}

type textList struct {
	Text []text `json:"text"`
}

type functionList struct {
	Text []models.FunctionDefinition `json:"text"`
}

type text struct {
	Role         string        `json:"role,omitempty"`
	Content      string        `json:"content"`
	Index        int           `json:"index,omitempty"`
	FunctionCall *functionCall `json:"function_call,omitempty"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (p *Provider) buildRequest(params models.ChatCompletionCreateParams, domain string) request {
	messages := make([]text, 0, len(params.Messages))
	for _, msg := range params.Messages {
		role := string(msg.Role)
		if msg.Role == models.RoleTool || msg.Role == models.RoleFunction {
			role = "user"
		}
		messages = append(messages, text{Role: role, Content: msg.Text()})
	}

	req := request{
		Header: requestHeader{AppID: p.appID, UID: truncateUID(params.User)},
		Parameter: requestParameter{Chat: chatParameter{
			Domain:      domain,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
			TopK:        params.TopK,
		}},
		Payload: requestPayload{Message: textList{Text: messages}},
	}

	functions := append([]models.FunctionDefinition(nil), params.Functions...)
	for _, tool := range params.Tools {
		functions = append(functions, tool.Function)
	}
	if len(functions) > 0 {
		req.Payload.Functions = &functionList{Text: functions}
	}
	return req
}

type response struct {
	Header struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		SID     string `json:"sid"`
		Status  int    `json:"status"`
	} `json:"header"`
	Payload struct {
		Choices struct {
			Status int    `json:"status"`
			Seq    int    `json:"seq"`
			Text   []text `json:"text"`
		} `json:"choices"`
		Usage *struct {
			Text struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"text"`
		} `json:"usage"`
	} `json:"payload"`
}

// finishReason reports stop on the last frame and nil before it.
func finishReason(status int, hasCall bool) *models.FinishReason {
	if status != statusLast {
		return nil
	}
	if hasCall {
		return models.FinishFunctionCall.Ptr()
	}
	return models.FinishStop.Ptr()
}

func toChunk(id, model string, created int64, frame response) (models.ChatCompletionChunk, bool) {
	var delta models.Delta
	for _, t := range frame.Payload.Choices.Text {
		delta.Content += t.Content
		if t.FunctionCall != nil {
			delta.FunctionCall = &models.FunctionCall{Name: t.FunctionCall.Name, Arguments: t.FunctionCall.Arguments}
		}
	}
	if frame.Payload.Choices.Seq == 0 {
		delta.Role = models.RoleAssistant
	}

	final := frame.Header.Status == statusLast || frame.Payload.Choices.Status == statusLast
	status := frame.Header.Status
	if final {
		status = statusLast
	}
	chunk := models.NewChunk(id, model, created, delta, finishReason(status, delta.FunctionCall != nil))
	if final && frame.Payload.Usage != nil {
		u := frame.Payload.Usage.Text
		usage := models.NewUsage(u.PromptTokens, u.CompletionTokens, u.TotalTokens)
		chunk.Usage = &usage
	}
	return chunk, final
}

// mapError classifies Spark header codes.
func mapError(code int, msg string) *apierror.Error {
	kind := apierror.KindInternalServer
	switch code {
	case 11200:
		kind = apierror.KindPermissionDenied
	case 11201, 11202, 11203:
		kind = apierror.KindRateLimit
	case 10163, 10907, 10013, 10014, 10019:
		kind = apierror.KindBadRequest
	case 10313, 10312:
		kind = apierror.KindAuthentication
	}
	return &apierror.Error{
		Kind:     kind,
		Provider: string(provider.KeySpark),
		Code:     fmt.Sprint(code),
		Message:  msg,
	}
}

// truncateUID cuts uid to maxUIDLen bytes without splitting a rune.
func truncateUID(uid string) string {
	if len(uid) <= maxUIDLen {
		return uid
	}
	n := maxUIDLen
	for n > 0 && !utf8.RuneStart(uid[n]) {
		n--
	}
	return uid[:n]
}
