package llm

import (
	"context"

	"github.com/ctriangulate/ctp/pkg/breaker"
)

// guardedClient routes every Execute call through the "llm" service breaker
// (pkg/breaker.Set), so a string of failing LLM calls opens the circuit,
// fails fast, and sheds llm-analysis worker capacity before the relational
// store or queue backlog ever notices (spec.md §4.3).
type guardedClient struct {
	inner    Client
	breakers *breaker.Set
}

// WithBreaker wraps client so every Execute call is routed through the
// "llm" breaker in breakers, which must have that service configured
// (internal/config.Default wires it with FailureThreshold 0.5).
func WithBreaker(client Client, breakers *breaker.Set) Client {
	return &guardedClient{inner: client, breakers: breakers}
}

func (c *guardedClient) Execute(ctx context.Context, prompt string) (string, error) {
	var result string
	err := c.breakers.Call("llm", func() error {
		out, err := c.inner.Execute(ctx, prompt)
		result = out
		return err
	})
	return result, err
}
