package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nextlevelbuilder/gocrew/internal/config"
	"github.com/nextlevelbuilder/gocrew/internal/providers"
	"github.com/nextlevelbuilder/gocrew/internal/usage"
)

// Options tunes the retry and breaker policy.
type Options struct {
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// OptionsFromConfig applies config values over the defaults.
func OptionsFromConfig(rc config.ResilienceConfig) Options {
	o := Options{
		MaxRetries:       3,
		BackoffBase:      time.Second,
		BackoffMax:       30 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  120 * time.Second,
	}
	if rc.MaxRetries > 0 {
		o.MaxRetries = rc.MaxRetries
	}
	if rc.BackoffBaseSec > 0 {
		o.BackoffBase = time.Duration(rc.BackoffBaseSec * float64(time.Second))
	}
	if rc.BackoffMaxSec > 0 {
		o.BackoffMax = time.Duration(rc.BackoffMaxSec * float64(time.Second))
	}
	if rc.BreakerThreshold > 0 {
		o.BreakerThreshold = rc.BreakerThreshold
	}
	if rc.BreakerCooldownSec > 0 {
		o.BreakerCooldown = time.Duration(rc.BreakerCooldownSec) * time.Second
	}
	return o
}

// Caller is the resilient front door for model calls. One Caller is
// shared by every agent in a process.
type Caller struct {
	registry *providers.Registry
	router   *Router
	opts     Options
	breakers map[string]*Breaker
	tracker  *usage.Tracker
	log      *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewCaller wires the registry, selection router, and optional usage
// tracker (nil disables budget enforcement and accounting).
func NewCaller(registry *providers.Registry, router *Router, tracker *usage.Tracker, opts Options) *Caller {
	breakers := make(map[string]*Breaker)
	for _, name := range registry.Names() {
		breakers[name] = NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown)
	}
	return &Caller{
		registry: registry,
		router:   router,
		opts:     opts,
		breakers: breakers,
		tracker:  tracker,
		log:      slog.Default().With("component", "resilience"),
		sleep:    sleepCtx,
	}
}

// BreakerStates returns provider → breaker state for status output.
func (c *Caller) BreakerStates() map[string]string {
	out := make(map[string]string, len(c.breakers))
	for name, b := range c.breakers {
		out[name] = b.State()
	}
	return out
}

// Chat runs a chat call through the provider chain. The returned string
// is the provider that ultimately served the request.
func (c *Caller) Chat(ctx context.Context, agentID, taskID string, req providers.ChatRequest) (*providers.ChatResponse, string, error) {
	return c.call(ctx, agentID, taskID, req, nil)
}

// ChatStream is Chat with streaming chunks. A provider switch restarts
// the stream from scratch; chunks from a failed attempt were already
// delivered and the callback must tolerate that.
func (c *Caller) ChatStream(ctx context.Context, agentID, taskID string, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, string, error) {
	return c.call(ctx, agentID, taskID, req, onChunk)
}

func (c *Caller) call(ctx context.Context, agentID, taskID string, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, string, error) {
	if c.tracker != nil {
		if err := c.tracker.CheckBudget(ctx); err != nil {
			return nil, "", err
		}
	}

	chain := c.router.Order()
	if len(chain) == 0 {
		return nil, "", fmt.Errorf("resilience: empty provider chain")
	}
	models := modelChain(req)

	start := time.Now()
	retries := 0
	var lastErr error
	lastProvider, lastModel := chain[0], models[0]
	for pi, name := range chain {
		p, err := c.registry.Get(name)
		if err != nil {
			lastErr = err
			continue
		}
		br := c.breakers[name]
		if br != nil && !br.Allow() {
			c.log.Debug("breaker open, skipping provider", "provider", name)
			lastErr = fmt.Errorf("resilience: provider %s circuit open", name)
			continue
		}
		for mi, model := range models {
			mreq := req
			mreq.Model = model

			resp, tries, err := c.attempt(ctx, p, br, mreq, onChunk)
			retries += tries
			lastProvider, lastModel = name, model
			if err == nil {
				c.record(ctx, agentID, taskID, name, model, resp, start, retries, pi > 0 || mi > 0)
				return resp, name, nil
			}
			if Classify(err) == ClassFatal {
				c.record(ctx, agentID, taskID, name, model, nil, start, retries, pi > 0 || mi > 0)
				return nil, name, err
			}
			lastErr = err
			c.log.Warn("model exhausted, falling over", "provider", name, "model", model, "error", err)
		}
	}
	c.record(ctx, agentID, taskID, lastProvider, lastModel, nil, start, retries, true)
	return nil, "", fmt.Errorf("resilience: all providers failed: %w", lastErr)
}

// modelChain is the per-provider model order: the requested model first,
// then each fallback model that differs from it.
func modelChain(req providers.ChatRequest) []string {
	models := []string{req.Model}
	for _, m := range req.FallbackModels {
		if m != "" && m != req.Model {
			models = append(models, m)
		}
	}
	return models
}

// record writes one accounting event for a terminal call outcome. A nil
// resp means the call failed; failed calls carry zero tokens but keep
// their latency and retry counts.
func (c *Caller) record(ctx context.Context, agentID, taskID, provider, model string, resp *providers.ChatResponse, start time.Time, retries int, failover bool) {
	if c.tracker == nil {
		return
	}
	e := usage.Event{
		AgentID:      agentID,
		TaskID:       taskID,
		Provider:     provider,
		Model:        model,
		LatencyMS:    float64(time.Since(start)) / float64(time.Millisecond),
		Retries:      retries,
		FailoverUsed: failover,
	}
	if resp != nil {
		e.Success = true
		if resp.Model != "" {
			e.Model = resp.Model
		}
		if resp.Usage != nil {
			e.PromptTokens = resp.Usage.PromptTokens
			e.CompletionTokens = resp.Usage.CompletionTokens
		}
	}
	c.tracker.Record(ctx, e)
}

// attempt runs the bounded retry loop against one provider with one
// model. The int is how many retries beyond the first try were spent.
func (c *Caller) attempt(ctx context.Context, p providers.Provider, br *Breaker, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, int, error) {
	var lastErr error
	for try := 0; try <= c.opts.MaxRetries; try++ {
		if try > 0 {
			delay := c.backoff(try, lastErr)
			c.log.Debug("retrying provider", "provider", p.Name(), "try", try, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, try, err
			}
		}

		start := time.Now()
		var resp *providers.ChatResponse
		var err error
		if onChunk != nil {
			resp, err = p.ChatStream(ctx, req, onChunk)
		} else {
			resp, err = p.Chat(ctx, req)
		}
		if err == nil {
			if br != nil {
				br.RecordSuccess()
			}
			c.router.RecordLatency(p.Name(), time.Since(start))
			return resp, try, nil
		}

		if br != nil {
			br.RecordFailure()
		}
		c.router.RecordFailure(p.Name())
		lastErr = err

		switch Classify(err) {
		case ClassFatal:
			return nil, try, err
		case ClassNoRetry:
			return nil, try, err
		}
		// Quota rejections may clear with the next credential.
		if IsQuota(err) {
			if rot, ok := p.(providers.KeyRotator); ok && rot.RotateKey() {
				c.log.Info("rotated credential after quota rejection", "provider", p.Name())
			}
		}
	}
	return nil, c.opts.MaxRetries, lastErr
}

// Probe sends a one-token request to every provider and feeds the
// outcome into the breakers and the router. A successful probe closes an
// open breaker, so a recovered provider rejoins the chain without
// waiting for live traffic to half-open it.
func (c *Caller) Probe(ctx context.Context) {
	req := providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: "ping"}},
		Options:  map[string]interface{}{providers.OptMaxTokens: 1},
	}
	for _, name := range c.registry.Names() {
		p, err := c.registry.Get(name)
		if err != nil {
			continue
		}
		br := c.breakers[name]
		start := time.Now()
		if _, err := p.Chat(ctx, req); err != nil {
			if br != nil {
				br.RecordFailure()
			}
			c.router.RecordFailure(name)
			c.log.Debug("provider probe failed", "provider", name, "error", err)
			continue
		}
		if br != nil {
			br.RecordSuccess()
		}
		c.router.RecordLatency(name, time.Since(start))
	}
}

// RunProbes probes every provider on the given interval until ctx ends.
func (c *Caller) RunProbes(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Probe(ctx)
		}
	}
}

// backoff returns the delay before retry number try (1-based): an
// exponential curve with half-second jitter, capped, and never shorter
// than a server-provided Retry-After.
func (c *Caller) backoff(try int, lastErr error) time.Duration {
	d := c.opts.BackoffBase << (try - 1)
	if d > c.opts.BackoffMax {
		d = c.opts.BackoffMax
	}
	jitter := time.Duration((rand.Float64() - 0.5) * float64(time.Second))
	d += jitter
	if d < 0 {
		d = 0
	}
	var httpErr *providers.HTTPError
	if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > d {
		d = httpErr.RetryAfter
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
