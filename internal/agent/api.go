package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lucasnoah/ciheal/internal/secret"
)

const systemPrompt = "You diagnose failing CI pipelines and reply with exactly one JSON object, no prose."

// API calls the Anthropic Messages API.
type API struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAPI creates an API agent authenticated with key. Extra options are
// passed to the SDK client.
func NewAPI(key secret.Secret, model string, maxTokens int64, opts ...option.RequestOption) *API {
	opts = append([]option.RequestOption{option.WithAPIKey(key.Reveal())}, opts...)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &API{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Invoke sends prompt as one user message and returns the concatenated text.
func (a *API) Invoke(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)},
		}},
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", timeoutError(timeout)
		}
		return "", fmt.Errorf("messages.new: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("agent returned no text (stop reason %s)", msg.StopReason)
	}
	return b.String(), nil
}
