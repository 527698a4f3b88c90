// Package llm implements the circuit-breaker-guarded LLM client
// (SPEC_FULL.md §2, "llm" component): a provider-agnostic Execute call that
// the triangulation job handlers invoke to reach an Anthropic or Bedrock
// model. Prompt templates, parsing of the model's response, and the
// triangulation agent's decision logic are explicit non-goals (spec.md
// §1) — this package only owns the call itself: timeout, retry/backoff,
// and error classification into the pipeline's RATE_LIMIT/AUTH_PERMANENT/
// TIMEOUT taxonomy (spec.md §4.3), grounded on
// untoldecay-BeadsLog/internal/compact/haiku.go's HaikuClient.
package llm

import (
	"context"
	"fmt"
	"time"

	pipelineerrors "github.com/ctriangulate/ctp/pkg/shared/errors"
)

// Client is the provider-agnostic LLM surface every call site depends on.
// Execute sends a single rendered prompt and returns the model's raw text
// response; callers own prompt construction and response parsing.
type Client interface {
	Execute(ctx context.Context, prompt string) (string, error)
}

// Config configures a Client. Provider selects the concrete backend;
// "anthropic" and "bedrock" are supported.
type Config struct {
	Provider       string
	Model          string
	APIKey         string
	Region         string // bedrock only
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second // spec.md §5: LLM default timeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	return c
}

// NewClient builds the Client for cfg.Provider.
func NewClient(cfg Config) (Client, error) {
	cfg = cfg.withDefaults()
	switch cfg.Provider {
	case "anthropic", "":
		return newAnthropicClient(cfg)
	case "bedrock":
		return newBedrockClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// withTimeout applies cfg.Timeout as a per-call deadline (spec.md §5: every
// external call has a timeout), independent of whatever deadline ctx
// already carries.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

// classifyStatus maps an HTTP-ish status code from an LLM provider error
// onto the pipeline's error taxonomy (spec.md §4.3): 429 is a rate limit
// (excluded from the breaker's failure tally, not a job failure), 401/403
// is a permanent auth failure (never retried, never reopens the breaker),
// everything else is a plain classified error for breaker.Classify to
// retry/count normally.
func classifyStatus(service string, statusCode int, cause error) error {
	switch {
	case statusCode == 429:
		return pipelineerrors.RateLimited(service, cause)
	case statusCode == 401 || statusCode == 403:
		return pipelineerrors.AuthenticationError(cause.Error())
	default:
		return cause
	}
}
