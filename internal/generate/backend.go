package generate

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/signalnine/moahdl/internal/config"
	"github.com/signalnine/moahdl/internal/hdl"
	"github.com/signalnine/moahdl/internal/metrics"
	"github.com/signalnine/moahdl/internal/runner"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Request is one chat completion.
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	TopP        float32
	MaxTokens   int
}

type Response struct {
	Text  string
	Usage hdl.Usage
}

// Backend is an LLM endpoint.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// NewBackend builds the client for one configured backend.
func NewBackend(ctx context.Context, b config.Backend) (Backend, error) {
	apiKey := ""
	if b.APIKeyEnv != "" {
		apiKey = os.Getenv(b.APIKeyEnv)
	}
	switch b.Provider {
	case "openai", "ollama":
		if apiKey == "" {
			if b.Provider == "openai" && b.BaseURL == "" {
				return nil, fmt.Errorf("backend %s: %s is not set", b.Name, envName(b.APIKeyEnv, "api key"))
			}
			apiKey = "ollama"
		}
		cfg := openai.DefaultConfig(apiKey)
		if b.BaseURL != "" {
			cfg.BaseURL = b.BaseURL
		}
		return &OpenAIBackend{
			name:      b.Name,
			model:     b.Model,
			client:    openai.NewClientWithConfig(cfg),
			maxTokens: b.MaxTokens,
			legacyMax: b.Provider == "ollama",
		}, nil
	case "gemini":
		if apiKey == "" {
			return nil, fmt.Errorf("backend %s: %s is not set", b.Name, envName(b.APIKeyEnv, "api key"))
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("backend %s: creating genai client: %w", b.Name, err)
		}
		return &GeminiBackend{name: b.Name, model: b.Model, client: client, maxTokens: b.MaxTokens}, nil
	}
	return nil, fmt.Errorf("backend %s: unknown provider %q", b.Name, b.Provider)
}

func envName(env, fallback string) string {
	if env == "" {
		return fallback
	}
	return env
}

// OpenAIBackend talks to OpenAI or any OpenAI-compatible server (Ollama,
// vLLM) through base_url.
type OpenAIBackend struct {
	name      string
	model     string
	client    *openai.Client
	maxTokens int
	legacyMax bool
}

func (o *OpenAIBackend) Name() string { return o.name }

func (o *OpenAIBackend) Complete(ctx context.Context, r Request) (Response, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.System},
			{Role: openai.ChatMessageRoleUser, Content: r.Prompt},
		},
		Temperature: r.Temperature,
		TopP:        r.TopP,
	}
	// a zero temperature is dropped by omitempty
	if req.Temperature == 0 {
		req.Temperature = math.SmallestNonzeroFloat32
	}
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.maxTokens
	}
	if maxTokens > 0 {
		if o.legacyMax {
			req.MaxTokens = maxTokens
		} else {
			req.MaxCompletionTokens = maxTokens
		}
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("chat completion on %s: %w", o.name, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("chat completion on %s: no choices", o.name)
	}
	return Response{
		Text:  resp.Choices[0].Message.Content,
		Usage: hdl.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}, nil
}

// GeminiBackend talks to the Gemini API.
type GeminiBackend struct {
	name      string
	model     string
	client    *genai.Client
	maxTokens int
}

func (g *GeminiBackend) Name() string { return g.name }

func (g *GeminiBackend) Complete(ctx context.Context, r Request) (Response, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(r.Temperature),
		TopP:        genai.Ptr(r.TopP),
	}
	if r.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(r.System, genai.RoleUser)
	}
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.maxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(r.Prompt), cfg)
	if err != nil {
		return Response{}, fmt.Errorf("generate content on %s: %w", g.name, err)
	}
	out := Response{Text: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = hdl.Usage{InputTokens: int(u.PromptTokenCount), OutputTokens: int(u.CandidatesTokenCount)}
	}
	return out, nil
}

// Limited throttles a backend: a per-backend request rate, the process-wide
// concurrency limiter, and a per-call timeout.
type Limited struct {
	next    Backend
	rate    *rate.Limiter
	limiter *runner.Limiter
	timeout time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
}

type LimitOptions struct {
	RequestsPerMinute int
	Timeout           time.Duration
	Limiter           *runner.Limiter
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
}

func Limit(next Backend, opts LimitOptions) *Limited {
	l := &Limited{next: next, limiter: opts.Limiter, timeout: opts.Timeout, metrics: opts.Metrics, log: opts.Logger}
	if opts.RequestsPerMinute > 0 {
		l.rate = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	return l
}

func (l *Limited) Name() string { return l.next.Name() }

func (l *Limited) Complete(ctx context.Context, req Request) (Response, error) {
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("waiting for rate limit on %s: %w", l.next.Name(), err)
		}
	}
	var resp Response
	start := time.Now()
	err := l.limiter.Do(ctx, func() error {
		callCtx := ctx
		if l.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, l.timeout)
			defer cancel()
		}
		var err error
		resp, err = l.next.Complete(callCtx, req)
		return err
	})
	if err != nil {
		return Response{}, err
	}
	l.log.Debug("completion",
		zap.String("backend", l.next.Name()),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Duration("duration", time.Since(start)))
	if l.metrics != nil {
		l.metrics.Tokens.WithLabelValues(l.next.Name(), "input").Add(float64(resp.Usage.InputTokens))
		l.metrics.Tokens.WithLabelValues(l.next.Name(), "output").Add(float64(resp.Usage.OutputTokens))
	}
	return resp, nil
}
