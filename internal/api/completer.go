package api

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ShayCichocki/autopilot/internal/router"
)

// maxTokensFor maps a router reasoning level to a response budget.
func maxTokensFor(level string) int64 {
	switch level {
	case router.ReasoningLow:
		return 2048
	case router.ReasoningHigh:
		return 8192
	default:
		return 4096
	}
}

// call sends one system+user exchange and returns the concatenated text.
func (c *Client) call(ctx context.Context, model anthropic.Model, maxTokens int64, systemPrompt, userPrompt string) (string, anthropic.Usage, error) {
	resp, err := c.sdk().Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", anthropic.Usage{}, err
	}

	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var result string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result += variant.Text
		}
	}
	return result, resp.Usage, nil
}

// SimpleCall makes a single call on the default model.
func (c *Client) SimpleCall(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	text, _, err := c.call(ctx, c.model, 4096, systemPrompt, userPrompt)
	return text, err
}

// RoutedCompleter sends each call through the router, so decomposition
// prompts rotate accounts and honor cooldowns like task dispatches.
type RoutedCompleter struct {
	router    *router.Router
	pool      *ClientPool
	workClass string
}

// NewRoutedCompleter returns a completer for the epic work class.
func NewRoutedCompleter(r *router.Router, pool *ClientPool) *RoutedCompleter {
	return &RoutedCompleter{router: r, pool: pool, workClass: router.WorkClassEpic}
}

// SimpleCall implements decompose.Completer.
func (rc *RoutedCompleter) SimpleCall(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	sel := rc.router.SelectProvider(rc.workClass, 0)
	var out string
	err := rc.router.Do(ctx, sel, func(ctx context.Context, lease *router.Lease) error {
		c, err := rc.pool.ForAccount(lease.Account)
		if err != nil {
			return err
		}
		text, usage, err := c.call(ctx, c.TranslateModel(lease.Model), maxTokensFor(lease.ReasoningLevel), systemPrompt, userPrompt)
		if err != nil {
			return err
		}
		rc.router.RecordUsage(lease.Provider, usage.InputTokens+usage.OutputTokens)
		out = text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("routed completion (%s): %w", rc.workClass, err)
	}
	return out, nil
}
