package metrics

import (
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
    CyclesTotal       *prometheus.CounterVec
    CycleDuration     prometheus.Histogram
    QuoteFetchesTotal *prometheus.CounterVec
    RateFetchAttempts prometheus.Counter
    RatesDefaulted    prometheus.Counter
    TokenRefreshTotal *prometheus.CounterVec
    TokenDegraded     prometheus.Gauge
}

func New() *Metrics {
    return &Metrics{
        CyclesTotal: promauto.NewCounterVec(
            prometheus.CounterOpts{
                Name: "refresh_cycles_total",
                Help: "Refresh cycles by outcome",
            },
            []string{"status"},
        ),

        CycleDuration: promauto.NewHistogram(
            prometheus.HistogramOpts{
                Name:    "refresh_cycle_duration_seconds",
                Help:    "Wall time of one refresh cycle",
                Buckets: prometheus.DefBuckets,
            },
        ),

        QuoteFetchesTotal: promauto.NewCounterVec(
            prometheus.CounterOpts{
                Name: "quote_fetches_total",
                Help: "Contract quote fetches by contract code and outcome",
            },
            []string{"code", "status"},
        ),

        RateFetchAttempts: promauto.NewCounter(
            prometheus.CounterOpts{
                Name: "rate_fetch_attempts_total",
                Help: "Individual attempts against the derivatives endpoint",
            },
        ),

        RatesDefaulted: promauto.NewCounter(
            prometheus.CounterOpts{
                Name: "rates_defaulted_total",
                Help: "Rate entries whose value fell back to 1.0",
            },
        ),

        TokenRefreshTotal: promauto.NewCounterVec(
            prometheus.CounterOpts{
                Name: "token_refresh_total",
                Help: "Token refresh outcomes (acquired, rejected, fallback)",
            },
            []string{"outcome"},
        ),

        TokenDegraded: promauto.NewGauge(
            prometheus.GaugeOpts{
                Name: "token_degraded",
                Help: "1 while the provider is serving the hardcoded fallback token",
            },
        ),
    }
}
