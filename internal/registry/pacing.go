package registry

import (
	"context"
	"fmt"

	"github.com/felipepmaragno/streamstack/internal/domain"
	"golang.org/x/time/rate"
)

// Pacing spaces outbound calls to a provider whose own quota is tighter
// than what the workers could send.
type Pacing struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type paced struct {
	Provider
	limiter *rate.Limiter
}

func newPaced(p Provider, cfg Pacing) *paced {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &paced{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

// wait blocks for a pacing slot. A slot that would arrive after the
// deadline is reported as context.DeadlineExceeded right away.
func (p *paced) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return nil
}

func (p *paced) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.Provider.ChatCompletion(ctx, req)
}

func (p *paced) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	if err := p.wait(ctx); err != nil {
		return failed(err)
	}
	return p.Provider.ChatCompletionStream(ctx, req)
}
