// Package token manages the lifecycle of the opaque authorization token the
// protected derivatives endpoint requires. One process-wide token is cached;
// refresh delegates to an external acquisition capability and falls back to a
// hardcoded last-known-good value when acquisition is exhausted.
package token

import (
    "context"
    "fmt"
    "net/url"
    "strings"
    "sync"

    "github.com/rs/zerolog"
    "golang.org/x/sync/singleflight"

    "goldspread/internal/metrics"
)

// Source acquires a fresh token candidate, typically by observing real
// browser network traffic and returning the raw token= query value.
//
//go:generate mockgen -package=token_test -destination=mock_source_test.go -source=token.go Source
type Source interface {
    Acquire(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (string, error)

func (f SourceFunc) Acquire(ctx context.Context) (string, error) { return f(ctx) }

// DefaultFallback is the last token observed to work against the feed.
// Served only after acquisition is exhausted; the provider reports itself
// degraded while it is in use.
const DefaultFallback = "evLtsLsBNAUVTPxtGqVeG48hg9MAP9GxfF1kuI/d08jNXxWPutx3Ph6ilmoLDZjw"

// Provider owns the process-wide token.
type Provider struct {
    src      Source
    fallback string
    attempts int
    gate     *bucket
    log      zerolog.Logger
    m        *metrics.Metrics

    mu       sync.RWMutex
    current  string
    degraded bool

    sf singleflight.Group
}

// Option is a configuration option for the Provider.
type Option func(*Provider)

// WithFallback replaces the hardcoded fallback token. An empty fallback
// makes Refresh fail hard once acquisition is exhausted.
func WithFallback(tok string) Option {
    return func(p *Provider) { p.fallback = tok }
}

// WithAttempts sets the acquisition retry budget per refresh.
func WithAttempts(n int) Option {
    return func(p *Provider) {
        if n > 0 {
            p.attempts = n
        }
    }
}

// WithAcquireRate gates acquisition attempts with a token bucket so a run
// of failing refreshes cannot launch browser captures back to back.
func WithAcquireRate(perSecond float64, burst int) Option {
    return func(p *Provider) { p.gate = newBucket(perSecond, burst) }
}

func WithLogger(log zerolog.Logger) Option {
    return func(p *Provider) { p.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
    return func(p *Provider) { p.m = m }
}

// NewProvider creates a Provider. src may be nil when no acquisition
// capability exists; Refresh then goes straight to the fallback.
func NewProvider(src Source, options ...Option) *Provider {
    p := &Provider{
        src:      src,
        fallback: DefaultFallback,
        attempts: 10,
        log:      zerolog.Nop(),
    }
    for _, option := range options {
        option(p)
    }
    return p
}

// Token returns the cached token, refreshing first if none is cached.
func (p *Provider) Token(ctx context.Context) (string, error) {
    p.mu.RLock()
    cur := p.current
    p.mu.RUnlock()
    if cur != "" {
        return cur, nil
    }
    return p.Refresh(ctx)
}

// Cached reports the current token without triggering a refresh.
func (p *Provider) Cached() (string, bool) {
    p.mu.RLock()
    defer p.mu.RUnlock()
    return p.current, p.current != ""
}

// Degraded reports whether the provider is serving the fallback token.
func (p *Provider) Degraded() bool {
    p.mu.RLock()
    defer p.mu.RUnlock()
    return p.degraded
}

// Invalidate clears the cached token so the next Token call refreshes.
func (p *Provider) Invalidate() {
    p.mu.Lock()
    p.current = ""
    p.mu.Unlock()
}

// Refresh acquires a new token and overwrites the cached one. Concurrent
// callers are coalesced into a single acquisition run.
func (p *Provider) Refresh(ctx context.Context) (string, error) {
    v, err, _ := p.sf.Do("refresh", func() (any, error) {
        return p.refresh(ctx)
    })
    if err != nil {
        return "", err
    }
    return v.(string), nil
}

func (p *Provider) refresh(ctx context.Context) (string, error) {
    if p.src != nil {
        for i := 0; i < p.attempts; i++ {
            if err := ctx.Err(); err != nil {
                return "", err
            }
            if p.gate != nil {
                if err := p.gate.wait(ctx); err != nil {
                    return "", err
                }
            }
            cand, err := p.src.Acquire(ctx)
            if err != nil {
                p.count("error")
                p.log.Debug().Err(err).Int("attempt", i+1).Msg("token acquisition failed")
                continue
            }
            tok, err := sanitize(cand)
            if err != nil {
                p.count("rejected")
                p.log.Warn().Err(err).Msg("rejected token candidate")
                continue
            }
            p.store(tok, false)
            p.count("acquired")
            p.log.Info().Int("attempt", i+1).Msg("token refreshed")
            return tok, nil
        }
    }
    if p.fallback == "" {
        return "", fmt.Errorf("token: no candidate accepted after %d attempts", p.attempts)
    }
    p.store(p.fallback, true)
    p.count("fallback")
    p.log.Warn().Msg("token acquisition exhausted, serving hardcoded fallback")
    return p.fallback, nil
}

func (p *Provider) store(tok string, degraded bool) {
    p.mu.Lock()
    p.current = tok
    p.degraded = degraded
    p.mu.Unlock()
    if p.m != nil {
        if degraded {
            p.m.TokenDegraded.Set(1)
        } else {
            p.m.TokenDegraded.Set(0)
        }
    }
}

func (p *Provider) count(outcome string) {
    if p.m != nil {
        p.m.TokenRefreshTotal.WithLabelValues(outcome).Inc()
    }
}

// sanitize URL-decodes a candidate and rejects the malformed/expired token
// format the site hands out, recognizable by a literal '+'. PathUnescape is
// used on purpose: QueryUnescape would turn that '+' into a space and hide
// the marker.
func sanitize(cand string) (string, error) {
    raw := strings.TrimSpace(cand)
    if raw == "" {
        return "", fmt.Errorf("empty candidate")
    }
    decoded, err := url.PathUnescape(raw)
    if err != nil {
        return "", fmt.Errorf("undecodable candidate %q: %w", raw, err)
    }
    if strings.Contains(decoded, "+") {
        return "", fmt.Errorf("candidate contains '+'")
    }
    return decoded, nil
}
