package llm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/scrypster/crmsync/internal/cache"
	"github.com/scrypster/crmsync/internal/logger"
	"github.com/scrypster/crmsync/internal/metrics"
	"github.com/scrypster/crmsync/internal/ratelimit"
)

// Guarded wraps a TextGenerator with the model response cache and the model
// rate limiter. A cache hit bypasses both the limiter and the network; a
// rate-limit signal from the provider is retried once.
type Guarded struct {
	next    TextGenerator
	limiter *ratelimit.Limiter
	cache   *cache.Cache[string]
	backoff time.Duration
	log     *logger.Logger
	metrics *metrics.Metrics
}

// GuardedConfig configures NewGuarded. Nil fields disable the concern.
type GuardedConfig struct {
	Limiter *ratelimit.Limiter
	Cache   *cache.Cache[string]
	Backoff time.Duration // default: 2s
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// NewGuarded wraps next.
func NewGuarded(next TextGenerator, cfg GuardedConfig) *Guarded {
	if cfg.Backoff == 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Guarded{
		next:    next,
		limiter: cfg.Limiter,
		cache:   cfg.Cache,
		backoff: cfg.Backoff,
		log:     cfg.Logger.With("component", "llm"),
		metrics: cfg.Metrics,
	}
}

// Complete serves req from cache or the wrapped generator.
func (g *Guarded) Complete(ctx context.Context, req Request) (string, error) {
	key := requestKey(g.next.GetModel(), req)
	if g.cache != nil {
		if text, ok := g.cache.Get(key); ok {
			g.log.Debug("model cache hit", "purpose", req.Purpose)
			return text, nil
		}
	}

	var text string
	err := ratelimit.Do(ctx, g.limiter, g.backoff, func(ctx context.Context) error {
		out, err := g.next.Complete(ctx, req)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	if err != nil {
		g.metrics.ModelCall(req.Purpose, "error")
		return "", fmt.Errorf("model %s: %w", g.next.GetModel(), err)
	}
	g.metrics.ModelCall(req.Purpose, "ok")

	if g.cache != nil {
		g.cache.Set(key, text)
	}
	return text, nil
}

func (g *Guarded) GetModel() string {
	return g.next.GetModel()
}

func requestKey(model string, req Request) string {
	schema := ""
	if req.Schema != nil {
		schema = req.Schema.Name
	}
	return "completion:" + cache.HashKey(
		model, req.System, req.User,
		strconv.FormatFloat(req.Temperature, 'f', -1, 64),
		strconv.FormatBool(req.JSONMode), schema,
	)
}

var _ TextGenerator = (*Guarded)(nil)
