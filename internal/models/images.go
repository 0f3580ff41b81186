package models

import (
	"errors"
	"strings"
)

var errEmptyPrompt = errors.New("prompt must be provided")

// ImageGenerateParams is the provider-independent image request.
type ImageGenerateParams struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Style          string `json:"style,omitempty"`
	Seed           *int   `json:"seed,omitempty"`
}

// Validate checks the fields every provider needs.
func (p ImageGenerateParams) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return errEmptyPrompt
	}
	return nil
}

// Image is one generated image, referenced by URL or data URI.
type Image struct {
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImagesResponse mirrors the OpenAI images response.
type ImagesResponse struct {
	Created int64   `json:"created"`
	Data    []Image `json:"data"`
}
