// Package llm talks to external generative text models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrNoProvider is returned when no model provider is configured.
var ErrNoProvider = errors.New("no model provider configured")

// Prompt is a single-turn request.
type Prompt struct {
	System   string
	User     string
	ImageURL string
	// JSON asks the provider to answer with a JSON object.
	JSON bool
}

// Generator returns the raw text of a model answer.
// The text is untrusted and must go through aiparse.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Options selects and configures a provider.
type Options struct {
	Provider      string // openai | gemini | none
	Model         string
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	RatePerMinute int
	Burst         int
}

// New builds the configured provider wrapped with rate limiting and a timeout.
func New(ctx context.Context, o Options) (Generator, error) {
	var (
		g   Generator
		err error
	)
	switch o.Provider {
	case "openai":
		g, err = NewOpenAI(o.APIKey, o.Model, o.BaseURL)
	case "gemini":
		g, err = NewGemini(ctx, o.APIKey, o.Model)
	case "", "none":
		g = Disabled{}
	default:
		return nil, fmt.Errorf("unknown model provider %q", o.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewLimited(g, o.RatePerMinute, o.Burst, o.Timeout), nil
}

// Disabled fails every call.
type Disabled struct{}

func (Disabled) Generate(context.Context, Prompt) (string, error) { return "", ErrNoProvider }

// Limited throttles calls and bounds each one with a timeout.
type Limited struct {
	next    Generator
	limiter *rate.Limiter
	timeout time.Duration
}

// NewLimited wraps g. perMinute <= 0 disables throttling, timeout <= 0 disables the deadline.
func NewLimited(g Generator, perMinute, burst int, timeout time.Duration) *Limited {
	l := &Limited{next: g, timeout: timeout}
	if perMinute > 0 {
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), burst)
	}
	return l
}

// Generate waits for a token, then calls the wrapped generator under the timeout.
// The wait counts against the timeout.
func (l *Limited) Generate(ctx context.Context, p Prompt) (string, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}
	return l.next.Generate(ctx, p)
}
