// Package gemini adapts the Google Generative Language REST API.
package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/sse"
	"llm-gateway/internal/stream"
	"llm-gateway/internal/transport"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	envAPIKey      = "GEMINI_API_KEY"
)

// Options configures the adapter. APIKey falls back to GEMINI_API_KEY.
type Options struct {
	APIKey string
	provider.ClientOptions
}

// Provider implements provider.ChatProvider for Gemini models.
type Provider struct {
	http   *transport.Client
	logger zerolog.Logger
}

var _ provider.ChatProvider = (*Provider)(nil)

// New resolves credentials and builds the adapter.
func New(opts Options) (*Provider, error) {
	key := provider.FirstNonEmpty(opts.APIKey, os.Getenv(envAPIKey))
	if err := provider.RequireCredential(provider.KeyGemini, "api key", key, envAPIKey); err != nil {
		return nil, err
	}

	topts := opts.Transport(provider.KeyGemini, defaultBaseURL, nil, decodeError)
	topts.Query = map[string]string{"key": key}
	client, err := transport.New(topts)
	if err != nil {
		return nil, err
	}
	return &Provider{http: client, logger: opts.Logger}, nil
}

func (p *Provider) Name() provider.Key {
	return provider.KeyGemini
}

func (p *Provider) CreateCompletion(ctx context.Context, params models.ChatCompletionCreateParams) (*models.ChatCompletion, error) {
	var resp generateResponse
	err := p.http.JSON(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   modelPath(params.Model, "generateContent"),
		Body:   buildRequest(params),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error.toError(http.StatusOK)
	}
	return toCompletion(params.Model, resp), nil
}

func (p *Provider) CreateStream(ctx context.Context, params models.ChatCompletionCreateParams) (*provider.ChunkStream, error) {
	resp, err := p.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   modelPath(params.Model, "streamGenerateContent"),
		Query:  map[string]string{"alt": "sse"},
		Body:   buildRequest(params),
		Stream: true,
	})
	if err != nil {
		return nil, err
	}

	id := provider.NewID()
	created := time.Now().Unix()
	done := newCandidateSet(params.N)
	return stream.FromSSE(ctx, resp.Body, func(ev sse.Event) ([]models.ChatCompletionChunk, bool, error) {
		var frame generateResponse
		if err := provider.DecodeFrame(provider.KeyGemini, ev.Data, &frame); err != nil {
			return nil, false, err
		}
		if frame.Error != nil {
			return nil, false, frame.Error.toError(0)
		}
		chunks, final := toChunks(id, params.Model, created, frame, done)
		return chunks, final, nil
	}, p.logger), nil
}

func modelPath(model, method string) string {
	model = strings.TrimPrefix(model, "models/")
	return "/models/" + url.PathEscape(model) + ":" + method
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	CandidateCount  *int     `json:"candidateCount,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	Seed            *int     `json:"seed,omitempty"`
	PresencePenalty *float64 `json:"presencePenalty,omitempty"`
	FreqPenalty     *float64 `json:"frequencyPenalty,omitempty"`
}

type tool struct {
	FunctionDeclarations []models.FunctionDefinition `json:"functionDeclarations"`
}

func buildRequest(params models.ChatCompletionCreateParams) generateRequest {
	system, rest := params.SplitSystem()

	req := generateRequest{
		Contents: make([]content, 0, len(rest)),
		GenerationConfig: &generationConfig{
			Temperature:     params.Temperature,
			TopP:            params.TopP,
			TopK:            params.TopK,
			MaxOutputTokens: params.MaxTokens,
			CandidateCount:  params.N,
			StopSequences:   params.Stop,
			Seed:            params.Seed,
			PresencePenalty: params.PresencePenalty,
			FreqPenalty:     params.FrequencyPenalty,
		},
	}
	if system != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}

	for _, msg := range rest {
		req.Contents = append(req.Contents, toContent(msg))
	}

	var decls []models.FunctionDefinition
	decls = append(decls, params.Functions...)
	for _, t := range params.Tools {
		decls = append(decls, t.Function)
	}
	if len(decls) > 0 {
		req.Tools = []tool{{FunctionDeclarations: decls}}
	}
	return req
}

func toContent(msg models.ChatMessage) content {
	switch msg.Role {
	case models.RoleAssistant:
		c := content{Role: "model"}
		if text := msg.Text(); text != "" {
			c.Parts = append(c.Parts, part{Text: text})
		}
		for _, call := range msg.ToolCalls {
			args := json.RawMessage(call.Function.Arguments)
			if !json.Valid(args) {
				args = nil
			}
			c.Parts = append(c.Parts, part{FunctionCall: &functionCall{Name: call.Function.Name, Args: args}})
		}
		return c
	case models.RoleTool, models.RoleFunction:
		return content{Role: "function", Parts: []part{{FunctionResponse: &functionResponse{
			Name:     msg.Name,
			Response: map[string]any{"content": msg.Text()},
		}}}}
	}

	c := content{Role: "user"}
	if len(msg.Parts) == 0 {
		c.Parts = []part{{Text: msg.Content}}
		return c
	}
	for _, p := range msg.Parts {
		switch {
		case p.Type == "text":
			c.Parts = append(c.Parts, part{Text: p.Text})
		case p.ImageURL != nil:
			if mime, data, ok := parseDataURI(p.ImageURL.URL); ok {
				c.Parts = append(c.Parts, part{InlineData: &inlineData{MimeType: mime, Data: data}})
			} else {
				c.Parts = append(c.Parts, part{Text: p.ImageURL.URL})
			}
		}
	}
	return c
}

// parseDataURI splits "data:<mime>;base64,<payload>".
func parseDataURI(uri string) (string, string, bool) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", false
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", false
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", "", false
	}
	return mime, data, true
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *usageMetadata  `json:"usageMetadata,omitempty"`
	ResponseID     string          `json:"responseId,omitempty"`
	Error          *apiError       `json:"error,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u *usageMetadata) usage() models.Usage {
	if u == nil {
		return models.Usage{}
	}
	return models.NewUsage(u.PromptTokenCount, u.CandidatesTokenCount, u.TotalTokenCount)
}

// finishReason maps Gemini's reasons; empty means the candidate continues.
func finishReason(reason string, hasCalls bool) *models.FinishReason {
	switch reason {
	case "":
		return nil
	case "MAX_TOKENS":
		return models.FinishLength.Ptr()
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return models.FinishContentFilter.Ptr()
	}
	if hasCalls {
		return models.FinishToolCalls.Ptr()
	}
	return models.FinishStop.Ptr()
}

func splitParts(parts []part) (string, []models.ToolCall) {
	var text strings.Builder
	var calls []models.ToolCall
	for _, p := range parts {
		text.WriteString(p.Text)
		if p.FunctionCall != nil {
			args := string(p.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, models.ToolCall{
				ID:       "call_" + p.FunctionCall.Name,
				Type:     "function",
				Function: models.FunctionCall{Name: p.FunctionCall.Name, Arguments: args},
			})
		}
	}
	return text.String(), calls
}

func toCompletion(model string, resp generateResponse) *models.ChatCompletion {
	out := &models.ChatCompletion{
		ID:      provider.FirstNonEmpty(resp.ResponseID, provider.NewID()),
		Object:  models.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Usage:   resp.UsageMetadata.usage(),
	}

	for i, c := range resp.Candidates {
		text, calls := splitParts(c.Content.Parts)
		finish := models.FinishStop
		if f := finishReason(c.FinishReason, len(calls) > 0); f != nil {
			finish = *f
		}
		index := c.Index
		if index == 0 {
			index = i
		}
		out.Choices = append(out.Choices, models.Choice{
			Index:        index,
			Message:      models.ChatMessage{Role: models.RoleAssistant, Content: text, ToolCalls: calls},
			FinishReason: finish,
		})
	}

	if len(out.Choices) == 0 {
		finish := models.FinishStop
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			finish = models.FinishContentFilter
		}
		out.Choices = []models.Choice{{
			Message:      models.ChatMessage{Role: models.RoleAssistant},
			FinishReason: finish,
		}}
	}
	return out
}

func toChunks(id, model string, created int64, frame generateResponse, done *candidateSet) ([]models.ChatCompletionChunk, bool) {
	chunk := models.ChatCompletionChunk{
		ID:      provider.FirstNonEmpty(frame.ResponseID, id),
		Object:  models.ObjectChatCompletionChunk,
		Created: created,
		Model:   model,
	}

	final := false
	for i, c := range frame.Candidates {
		text, calls := splitParts(c.Content.Parts)
		for j := range calls {
			idx := j
			calls[j].Index = &idx
		}
		finish := finishReason(c.FinishReason, len(calls) > 0)
		index := c.Index
		if index == 0 {
			index = i
		}
		done.observe(index, finish != nil)
		chunk.Choices = append(chunk.Choices, models.ChunkChoice{
			Index:        index,
			Delta:        models.Delta{Role: models.RoleAssistant, Content: text, ToolCalls: calls},
			FinishReason: finish,
		})
	}

	if len(frame.Candidates) == 0 && frame.PromptFeedback != nil && frame.PromptFeedback.BlockReason != "" {
		chunk.Choices = []models.ChunkChoice{{FinishReason: models.FinishContentFilter.Ptr()}}
		final = true
	}
	final = final || done.finished()
	if frame.UsageMetadata != nil {
		u := frame.UsageMetadata.usage()
		chunk.Usage = &u
	}
	if len(chunk.Choices) == 0 && chunk.Usage == nil {
		return nil, final
	}
	return []models.ChatCompletionChunk{chunk}, final
}

// candidateSet tracks which candidates of a stream have finished. The stream
// ends once every requested candidate has a finish reason.
type candidateSet struct {
	want int
	done map[int]bool
}

func newCandidateSet(n *int) *candidateSet {
	want := 1
	if n != nil && *n > 1 {
		want = *n
	}
	return &candidateSet{want: want, done: make(map[int]bool, want)}
}

func (c *candidateSet) observe(index int, finished bool) {
	c.done[index] = c.done[index] || finished
}

func (c *candidateSet) finished() bool {
	if len(c.done) < c.want {
		return false
	}
	for _, ok := range c.done {
		if !ok {
			return false
		}
	}
	return true
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (e *apiError) toError(httpStatus int) error {
	status := e.Code
	if status == 0 {
		status = httpStatus
	}
	kind := apierror.KindForStatus(status)
	switch e.Status {
	case "UNAUTHENTICATED":
		kind = apierror.KindAuthentication
	case "PERMISSION_DENIED":
		kind = apierror.KindPermissionDenied
	case "RESOURCE_EXHAUSTED":
		kind = apierror.KindRateLimit
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "NOT_FOUND", "OUT_OF_RANGE":
		kind = apierror.KindBadRequest
	case "DEADLINE_EXCEEDED":
		kind = apierror.KindTimeout
	case "INTERNAL", "UNAVAILABLE", "UNKNOWN":
		kind = apierror.KindInternalServer
	}
	return &apierror.Error{
		Kind:     kind,
		Provider: string(provider.KeyGemini),
		Status:   status,
		Code:     e.Status,
		Message:  e.Message,
	}
}

func decodeError(status int, body []byte) error {
	var env struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return nil
	}
	if env.Error.Code == 0 {
		env.Error.Code = status
	}
	return env.Error.toError(status)
}
