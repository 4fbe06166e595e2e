package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nlcqe-workers/internal/common/config"
	commonhttp "nlcqe-workers/internal/common/http"
)

const generatePath = "/api/ai/generate"

var (
	ErrModelTimeout = errors.New("LLM_TIMEOUT")
	ErrModelFailed  = errors.New("LLM_GENERATION_FAILED")
)

// Generator is the generative model collaborator. Its output is untrusted
// text.
type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt string) (string, error)
}

type generateRequest struct {
	Model        string  `json:"model,omitempty"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system,omitempty"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// HTTPGenerator calls the model service over HTTP, retrying retryable
// statuses with exponential backoff.
type HTTPGenerator struct {
	client     *commonhttp.Client
	url        string
	apiKey     string
	model      string
	maxRetries int
}

func NewHTTPGenerator(cfg config.GenAIConfig) *HTTPGenerator {
	timeout := config.GetDuration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPGenerator{
		client:     commonhttp.NewClient(timeout),
		url:        strings.TrimRight(cfg.BaseURL, "/") + generatePath,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	body := generateRequest{
		Model:        g.model,
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    400,
	}
	headers := map[string]string{}
	if g.apiKey != "" {
		headers["Authorization"] = "Bearer " + g.apiKey
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ErrModelTimeout
			}
		}

		var out generateResponse
		lastErr = g.client.PostJSON(ctx, g.url, headers, body, &out)
		if lastErr == nil {
			return out.Text, nil
		}
		if ctx.Err() != nil {
			return "", ErrModelTimeout
		}
		var se *commonhttp.StatusError
		if errors.As(lastErr, &se) && !se.Retryable() {
			break
		}
	}
	return "", fmt.Errorf("%w: %v", ErrModelFailed, lastErr)
}
