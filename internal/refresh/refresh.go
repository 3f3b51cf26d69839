// Package refresh coordinates one refresh cycle: all tracked contract
// quotes, the exchange-rate table and the auxiliary CNH rate, published as
// one atomic result.
package refresh

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "time"

    "github.com/rs/zerolog"
    "golang.org/x/sync/errgroup"

    "goldspread/internal/hkex"
    "goldspread/internal/metrics"
    "goldspread/internal/quote"
)

// ErrCycleInProgress is returned when RunCycle is called while another
// cycle is in flight. The request is dropped, never queued.
var ErrCycleInProgress = errors.New("refresh cycle already in progress")

// QuoteFetcher fetches one contract quote.
type QuoteFetcher interface {
    Fetch(ctx context.Context, code string) (*quote.Contract, error)
}

// RateFetcher fetches the full exchange-rate table.
type RateFetcher interface {
    FetchRates(ctx context.Context) (*hkex.Table, error)
}

// AuxRate fetches a single auxiliary rate merged into the table under a
// fixed label.
type AuxRate interface {
    Rate(ctx context.Context) (float64, error)
}

// Result is the outcome of one completed cycle. Contracts that failed to
// fetch are simply absent. Consumers read the latest result only.
type Result struct {
    Contracts   map[string]*quote.Contract `json:"contracts"`
    Rates       *hkex.Table                `json:"rates"`
    RefreshedAt time.Time                  `json:"refreshed_at"`
}

type Config struct {
    // Codes is the fixed set of contract codes fetched each cycle.
    Codes []string
    // Concurrency bounds parallel quote fetches. Defaults to 4.
    Concurrency int
    // MinInterval spaces out cycle starts; a cycle arriving early waits.
    MinInterval time.Duration
    // CycleTimeout bounds one whole cycle, covering the rate fetch's full
    // retry budget. Defaults to 3 minutes.
    CycleTimeout time.Duration
    // AuxLabel is the rate-table label the auxiliary rate merges under.
    AuxLabel string
}

// Orchestrator runs refresh cycles one at a time and keeps the latest
// result readable next to the last cycle error, so a consumer can keep
// showing stale data with a failure indicator.
type Orchestrator struct {
    cfg    Config
    quotes QuoteFetcher
    rates  RateFetcher
    aux    AuxRate
    log    zerolog.Logger
    m      *metrics.Metrics

    running atomic.Bool
    gateMu  sync.Mutex
    last    time.Time

    snap  atomic.Pointer[Result]
    errMu sync.RWMutex
    lastE error
}

// NewOrchestrator wires a cycle runner. aux may be nil.
func NewOrchestrator(cfg Config, quotes QuoteFetcher, rates RateFetcher, aux AuxRate, log zerolog.Logger, m *metrics.Metrics) *Orchestrator {
    if cfg.Concurrency <= 0 {
        cfg.Concurrency = 4
    }
    if cfg.CycleTimeout <= 0 {
        cfg.CycleTimeout = 3 * time.Minute
    }
    return &Orchestrator{cfg: cfg, quotes: quotes, rates: rates, aux: aux, log: log, m: m}
}

// RunCycle performs one cycle. Individual quote failures degrade the result;
// a rate-table failure fails the cycle and leaves the previous snapshot in
// place.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Result, error) {
    if !o.running.CompareAndSwap(false, true) {
        return nil, ErrCycleInProgress
    }
    defer o.running.Store(false)

    if err := o.pace(ctx); err != nil {
        return nil, err
    }

    start := time.Now()
    ctx, cancel := context.WithTimeout(ctx, o.cfg.CycleTimeout)
    defer cancel()

    contracts := o.fetchQuotes(ctx)

    table, err := o.rates.FetchRates(ctx)
    if err != nil {
        o.setErr(err)
        if o.m != nil {
            o.m.CyclesTotal.WithLabelValues("failed").Inc()
        }
        return nil, err
    }

    if o.aux != nil && o.cfg.AuxLabel != "" {
        if r, auxErr := o.aux.Rate(ctx); auxErr != nil {
            o.log.Warn().Err(auxErr).Msg("aux rate fetch failed, merge skipped")
        } else {
            table.Set(o.cfg.AuxLabel, r)
        }
    }

    res := &Result{Contracts: contracts, Rates: table, RefreshedAt: time.Now()}
    o.snap.Store(res)
    o.setErr(nil)
    if o.m != nil {
        o.m.CyclesTotal.WithLabelValues("ok").Inc()
        o.m.CycleDuration.Observe(time.Since(start).Seconds())
    }
    o.log.Info().
        Int("contracts", len(contracts)).
        Int("rates", table.Len()).
        Dur("took", time.Since(start)).
        Msg("refresh cycle complete")
    return res, nil
}

// Run drives periodic cycles until ctx is done, starting with an immediate
// one. Overlap is impossible; a tick landing mid-cycle is a no-op.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
    o.runLogged(ctx)
    tick := time.NewTicker(interval)
    defer tick.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-tick.C:
            o.runLogged(ctx)
        }
    }
}

func (o *Orchestrator) runLogged(ctx context.Context) {
    if _, err := o.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) && ctx.Err() == nil {
        o.log.Error().Err(err).Msg("refresh cycle failed")
    }
}

// Latest returns the most recent successful result, or nil before the first
// completed cycle.
func (o *Orchestrator) Latest() *Result { return o.snap.Load() }

// LastError returns the error of the most recent cycle, nil after a success.
func (o *Orchestrator) LastError() error {
    o.errMu.RLock()
    defer o.errMu.RUnlock()
    return o.lastE
}

// Running reports whether a cycle is currently in flight.
func (o *Orchestrator) Running() bool { return o.running.Load() }

func (o *Orchestrator) setErr(err error) {
    o.errMu.Lock()
    o.lastE = err
    o.errMu.Unlock()
}

// pace enforces the minimum spacing between cycle starts.
func (o *Orchestrator) pace(ctx context.Context) error {
    if o.cfg.MinInterval <= 0 {
        return nil
    }
    o.gateMu.Lock()
    wait := time.Until(o.last.Add(o.cfg.MinInterval))
    o.gateMu.Unlock()
    if wait > 0 {
        t := time.NewTimer(wait)
        defer t.Stop()
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-t.C:
        }
    }
    o.gateMu.Lock()
    o.last = time.Now()
    o.gateMu.Unlock()
    return nil
}

// fetchQuotes fans out over the contract set. Failures are logged and
// skipped; order between contracts does not matter.
func (o *Orchestrator) fetchQuotes(ctx context.Context) map[string]*quote.Contract {
    out := make(map[string]*quote.Contract, len(o.cfg.Codes))
    var mu sync.Mutex
    var g errgroup.Group
    g.SetLimit(o.cfg.Concurrency)
    for _, code := range o.cfg.Codes {
        code := code
        g.Go(func() error {
            c, err := o.quotes.Fetch(ctx, code)
            if err != nil {
                o.countQuote(code, "error")
                o.log.Warn().Err(err).Str("code", code).Msg("quote fetch failed")
                return nil
            }
            o.countQuote(code, "ok")
            mu.Lock()
            out[code] = c
            mu.Unlock()
            return nil
        })
    }
    _ = g.Wait()
    return out
}

func (o *Orchestrator) countQuote(code, status string) {
    if o.m != nil {
        o.m.QuoteFetchesTotal.WithLabelValues(code, status).Inc()
    }
}
