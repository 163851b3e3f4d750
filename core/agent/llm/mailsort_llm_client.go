// Package llm implements the model client: a rate-aware wrapper around an
// OpenAI-compatible endpoint plus the structured operations the pipeline
// and the induction loop need. Malformed model output never surfaces as an
// error; every operation degrades to a safe default so callers keep moving.
package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"mailsort_daemon/pkg/logger"
	"mailsort_daemon/pkg/metrics"
	"mailsort_daemon/pkg/ratelimit"
)

// ClientConfig carries the transport knobs. The transport itself stays an
// external collaborator: base URL, model name and timeout are all this
// package knows about it.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// Timeout bounds one completion call. Large batch prompts against a
	// local model need minutes, hence the generous default.
	Timeout time.Duration

	// RequestsPerMinute paces calls; 0 disables pacing.
	RequestsPerMinute int

	// Latencies records call durations when set.
	Latencies *metrics.Registry
}

// Client is the low-level completion transport. One instance is shared by
// every component that talks to the model.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	limiter *ratelimit.Limiter
	cb      *gobreaker.CircuitBreaker
	lat     *metrics.Registry
	log     zerolog.Logger
}

// NewClient builds the transport. An open circuit breaker makes calls fail
// fast so the agent's safe-default fallbacks kick in without waiting out a
// timeout against a dead endpoint.
func NewClient(cfg ClientConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	log := logger.For("llm")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("llm circuit breaker state changed")
		},
	})

	var limiter *ratelimit.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = ratelimit.New(cfg.RequestsPerMinute, time.Minute)
	}

	return &Client{
		client:  openai.NewClientWithConfig(apiCfg),
		model:   cfg.Model,
		timeout: timeout,
		limiter: limiter,
		cb:      cb,
		lat:     cfg.Latencies,
		log:     log,
	}
}

// Complete posts one prompt and returns the raw completion text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, prompt, nil)
}

// CompleteJSON posts one prompt asking for a JSON object response. Servers
// that ignore the response-format hint still work; the agent extracts the
// first JSON span either way.
func (c *Client) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, prompt, &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	})
}

func (c *Client) complete(ctx context.Context, prompt string, format *openai.ChatCompletionResponseFormat) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.lat != nil {
		defer c.lat.Time("llm_call")()
	}

	out, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			ResponseFormat: format,
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
