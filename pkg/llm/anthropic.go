package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// anthropicClient wraps the Anthropic SDK. Its retry loop and error
// classification follow HaikuClient.callWithRetry/isRetryable
// (untoldecay-BeadsLog/internal/compact/haiku.go) directly; the difference
// is that non-retryable provider errors are classified into the pipeline's
// Kind taxonomy instead of returned as opaque errors, so breaker.Classify
// and CircuitBreakerSet apply the right propagation policy.
type anthropicClient struct {
	client         anthropic.Client
	model          anthropic.Model
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
}

func newAnthropicClient(cfg Config) (*anthropicClient, error) {
	apiKey := cfg.APIKey
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, errors.New("anthropic: API key required: set ANTHROPIC_API_KEY or llm.api_key")
	}

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	return &anthropicClient{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
	}, nil
}

func (c *anthropicClient) Execute(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", pipelineerrors.TimeoutError("anthropic", ctx.Err().Error())
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return extractText(message)
		}

		if ctx.Err() != nil {
			return "", pipelineerrors.TimeoutError("anthropic", ctx.Err().Error())
		}

		classified := classifyAnthropicError(err)
		if kind, ok := pipelineerrors.GetKind(classified); ok && kind == pipelineerrors.KindRateLimit {
			return "", classified
		}
		if kind, ok := pipelineerrors.GetKind(classified); ok && kind == pipelineerrors.KindAuthPermanent {
			return "", classified
		}
		if !isRetryableAnthropic(err) {
			return "", classified
		}
		lastErr = classified
	}

	return "", fmt.Errorf("anthropic: failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func extractText(message *anthropic.Message) (string, error) {
	if len(message.Content) == 0 {
		return "", errors.New("anthropic: response had no content blocks")
	}
	block := message.Content[0]
	if block.Type != "text" {
		return "", fmt.Errorf("anthropic: unexpected response block type %q", block.Type)
	}
	return block.Text, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus("anthropic", apiErr.StatusCode, err)
	}
	return err
}

func isRetryableAnthropic(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return false
}
