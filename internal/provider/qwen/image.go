package qwen

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"llm-gateway/internal/apierror"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/transport"
)

const (
	synthesisPath     = "/services/aigc/text2image/image-synthesis"
	defaultImageModel = "wanx-v1"
)

// PollOptions bounds the wait for an asynchronous image task.
type PollOptions struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (o PollOptions) withDefaults() PollOptions {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 60
	}
	return o
}

// backoffDelay doubles the base delay per attempt, adds up to 10% jitter,
// and caps the result at maxDelay.
func backoffDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	if jitter := int64(delay) / 10; jitter > 0 {
		delay += time.Duration(rand.Int63n(jitter))
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

type synthesisRequest struct {
	Model      string          `json:"model"`
	Input      synthesisInput  `json:"input"`
	Parameters synthesisParams `json:"parameters"`
}

type synthesisInput struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

type synthesisParams struct {
	Style string `json:"style,omitempty"`
	Size  string `json:"size,omitempty"`
	N     int    `json:"n,omitempty"`
	Seed  *int   `json:"seed,omitempty"`
}

type taskResponse struct {
	RequestID string     `json:"request_id"`
	Output    taskOutput `json:"output"`
	Code      string     `json:"code"`
	Message   string     `json:"message"`
}

type taskOutput struct {
	TaskID     string       `json:"task_id"`
	TaskStatus string       `json:"task_status"`
	Results    []taskResult `json:"results"`
	Code       string       `json:"code"`
	Message    string       `json:"message"`
}

type taskResult struct {
	URL     string `json:"url"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GenerateImage submits an image synthesis task and polls it with bounded
// exponential backoff until it settles.
func (p *Provider) GenerateImage(ctx context.Context, params models.ImageGenerateParams) (*models.ImagesResponse, error) {
	var submitted taskResponse
	err := p.http.JSON(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    synthesisPath,
		Headers: map[string]string{"X-DashScope-Async": "enable"},
		Body: synthesisRequest{
			Model: provider.FirstNonEmpty(params.Model, defaultImageModel),
			Input: synthesisInput{Prompt: params.Prompt, NegativePrompt: params.NegativePrompt},
			Parameters: synthesisParams{
				Style: params.Style,
				Size:  strings.ReplaceAll(params.Size, "x", "*"),
				N:     params.N,
				Seed:  params.Seed,
			},
		},
	}, &submitted)
	if err != nil {
		return nil, err
	}
	if submitted.Code != "" {
		return nil, mapError(0, submitted.Code, submitted.Message)
	}
	taskID := submitted.Output.TaskID
	if taskID == "" {
		return nil, apierror.New(apierror.KindInternalServer, string(provider.KeyQwen), "image task id missing from response")
	}

	return p.waitForTask(ctx, taskID)
}

func (p *Provider) waitForTask(ctx context.Context, taskID string) (*models.ImagesResponse, error) {
	for attempt := 0; attempt < p.poll.MaxAttempts; attempt++ {
		var task taskResponse
		err := p.http.JSON(ctx, transport.Request{Method: http.MethodGet, Path: "/tasks/" + taskID}, &task)
		if err != nil {
			return nil, err
		}

		switch task.Output.TaskStatus {
		case "SUCCEEDED":
			return toImages(task.Output), nil
		case "FAILED", "CANCELED", "UNKNOWN":
			return nil, mapError(0, provider.FirstNonEmpty(task.Output.Code, task.Code, task.Output.TaskStatus),
				provider.FirstNonEmpty(task.Output.Message, task.Message, "image task did not succeed"))
		}

		p.logger.Debug().Str("task_id", taskID).Str("status", task.Output.TaskStatus).
			Int("attempt", attempt+1).Msg("image task pending")

		delay := backoffDelay(attempt, p.poll.BaseDelay, p.poll.MaxDelay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, apierror.Wrap(apierror.KindOf(ctx.Err()), string(provider.KeyQwen), ctx.Err())
		case <-timer.C:
		}
	}
	return nil, apierror.New(apierror.KindTimeout, string(provider.KeyQwen),
		fmt.Sprintf("image task %s still pending after %d polls", taskID, p.poll.MaxAttempts))
}

func toImages(out taskOutput) *models.ImagesResponse {
	resp := &models.ImagesResponse{Created: time.Now().Unix()}
	for _, r := range out.Results {
		if r.URL == "" {
			continue
		}
		resp.Data = append(resp.Data, models.Image{URL: r.URL})
	}
	return resp
}
