package main

import (
    "compress/gzip"
    "context"
    "encoding/json"
    "io"
    "net/http"
    "os"
    "os/signal"
    "strings"
    "sync"
    "syscall"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"
    "github.com/rs/zerolog"

    "goldspread/internal/cnh"
    "goldspread/internal/config"
    "goldspread/internal/hkex"
    "goldspread/internal/httpx"
    "goldspread/internal/metrics"
    "goldspread/internal/quote"
    "goldspread/internal/refresh"
    "goldspread/internal/session"
    "goldspread/internal/spread"
    "goldspread/internal/token"
)

type server struct {
    cfg      config.Config
    orch     *refresh.Orchestrator
    tokens   *token.Provider
    sessions *session.Resolver
    grams    float64
}

func main() {
    log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
        With().Timestamp().Logger()

    cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
    if err != nil {
        log.Fatal().Err(err).Msg("config")
    }

    m := metrics.New()
    httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

    var src token.Source
    if len(cfg.Token.Command) > 0 {
        src = &token.ExecSource{
            Command: cfg.Token.Command,
            Timeout: time.Duration(cfg.Token.CaptureTimeoutSec) * time.Second,
        }
    } else {
        log.Warn().Msg("no token capture command configured; only the fallback token is available")
    }
    tokenOpts := []token.Option{
        token.WithAttempts(cfg.Token.Attempts),
        token.WithLogger(log.With().Str("component", "token").Logger()),
        token.WithMetrics(m),
    }
    if cfg.Token.Fallback != "" {
        tokenOpts = append(tokenOpts, token.WithFallback(cfg.Token.Fallback))
    }
    if cfg.Token.MaxPerMinute > 0 {
        tokenOpts = append(tokenOpts, token.WithAcquireRate(float64(cfg.Token.MaxPerMinute)/60.0, cfg.Token.Burst))
    }
    tokens := token.NewProvider(src, tokenOpts...)

    sessions := session.NewResolver()

    rates := hkex.NewClient(tokens, sessions,
        hkex.WithDataURL(cfg.HKEX.DataEndpoint),
        hkex.WithBootstrapURLs(cfg.HKEX.RootURL, cfg.HKEX.SecCheckURL),
        hkex.WithLang(cfg.HKEX.Lang),
        hkex.WithInstrument(cfg.HKEX.Instrument),
        hkex.WithAttempts(cfg.HKEX.MaxAttempts),
        hkex.WithRetryWait(time.Duration(cfg.HKEX.RetryWaitMs)*time.Millisecond),
        hkex.WithTimeouts(
            time.Duration(cfg.HKEX.BootstrapTimeoutSec)*time.Second,
            time.Duration(cfg.HKEX.TimeoutSec)*time.Second,
        ),
        hkex.WithLogger(log.With().Str("component", "hkex").Logger()),
        hkex.WithMetrics(m),
    )

    quotes := quote.NewFetcher(quote.Config{
        URL:     cfg.Quote.Endpoint,
        Referer: cfg.Quote.Referer,
        Timeout: time.Duration(cfg.Quote.TimeoutSec) * time.Second,
    }, httpClient)

    var aux refresh.AuxRate
    if cfg.CNH.Enabled {
        if cfg.CNH.APIKey == "" {
            log.Warn().Msg("cnh.enabled=true but CNH_API_KEY not set; skipping")
        } else {
            aux = cnh.New(cnh.Config{
                BaseURL:  cfg.CNH.Endpoint,
                APIKey:   cfg.CNH.APIKey,
                Timeout:  time.Duration(cfg.CNH.TimeoutSec) * time.Second,
                CacheTTL: time.Duration(cfg.CNH.CacheTTLSec) * time.Second,
            }, httpClient, log.With().Str("component", "cnh").Logger())
        }
    }

    orch := refresh.NewOrchestrator(refresh.Config{
        Codes:        cfg.Quote.Codes(),
        Concurrency:  cfg.Refresh.MaxConcurrency,
        MinInterval:  time.Duration(cfg.Refresh.MinIntervalSec) * time.Second,
        CycleTimeout: time.Duration(cfg.Refresh.CycleTimeoutSec) * time.Second,
        AuxLabel:     cfg.CNH.Label,
    }, quotes, rates, aux, log.With().Str("component", "refresh").Logger(), m)

    grams := cfg.Spread.GramsPerOunce
    if grams <= 0 {
        grams = spread.GramsPerTroyOunce
    }
    s := &server{cfg: cfg, orch: orch, tokens: tokens, sessions: sessions, grams: grams}

    ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer stop()
    go orch.Run(ctx, time.Duration(cfg.Refresh.IntervalSec)*time.Second)

    mux := http.NewServeMux()
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/api/snapshot", s.handleSnapshot)
    mux.HandleFunc("/api/spreads", s.handleSpreads)
    mux.HandleFunc("/api/refresh", s.handleRefresh)
    mux.HandleFunc("/api/session", s.handleSession)

    srv := &http.Server{
        Addr:              ":" + cfg.Server.Port,
        Handler:           withJSONHeaders(withGzip(recoverPanic(mux))),
        ReadHeaderTimeout: 5 * time.Second,
        ReadTimeout:       15 * time.Second,
        WriteTimeout:      20 * time.Second,
        IdleTimeout:       60 * time.Second,
    }

    go func() {
        log.Info().Str("port", cfg.Server.Port).Msg("server listening")
        if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            log.Fatal().Err(err).Msg("server")
        }
    }()

    <-ctx.Done()
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    _ = srv.Shutdown(shutdownCtx)
}

type snapshotResponse struct {
    Contracts     map[string]*quote.Contract `json:"contracts"`
    Rates         *hkex.Table                `json:"rates"`
    RefreshedAt   time.Time                  `json:"refreshed_at"`
    Refreshing    bool                       `json:"refreshing"`
    DegradedToken bool                       `json:"degraded_token"`
    LastError     string                     `json:"last_error,omitempty"`
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
        return
    }
    res := s.orch.Latest()
    if res == nil {
        writeError(w, http.StatusServiceUnavailable, "no completed refresh cycle yet")
        return
    }
    resp := snapshotResponse{
        Contracts:     res.Contracts,
        Rates:         res.Rates,
        RefreshedAt:   res.RefreshedAt,
        Refreshing:    s.orch.Running(),
        DegradedToken: s.tokens.Degraded(),
    }
    if err := s.orch.LastError(); err != nil {
        resp.LastError = err.Error()
    }
    writeJSON(w, http.StatusOK, resp)
}

type spreadsResponse struct {
    Cross       []spread.Row `json:"cross"`
    London      *spread.Row  `json:"london,omitempty"`
    RefreshedAt time.Time    `json:"refreshed_at"`
    LastError   string       `json:"last_error,omitempty"`
}

func (s *server) handleSpreads(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
        return
    }
    res := s.orch.Latest()
    if res == nil {
        writeError(w, http.StatusServiceUnavailable, "no completed refresh cycle yet")
        return
    }
    var selected []string
    if q := strings.TrimSpace(r.URL.Query().Get("rates")); q != "" {
        selected = splitCSV(q)
    }
    resp := spreadsResponse{
        Cross: spread.CrossRows(
            res.Contracts,
            s.cfg.Spread.ShanghaiCodes,
            s.cfg.Spread.ReferenceCode,
            res.Rates,
            selected,
            s.grams,
        ),
        RefreshedAt: res.RefreshedAt,
    }
    if row, ok := spread.DirectRow(res.Contracts, s.cfg.Spread.LondonCode, s.cfg.Spread.ReferenceCode); ok {
        resp.London = &row
    }
    if err := s.orch.LastError(); err != nil {
        resp.LastError = err.Error()
    }
    writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
        return
    }
    if s.orch.Running() {
        writeError(w, http.StatusConflict, "refresh cycle already in progress")
        return
    }
    go func() {
        _, _ = s.orch.RunCycle(context.Background())
    }()
    writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh started"})
}

type sessionResponse struct {
    Mode     string `json:"mode"`
    Resolved string `json:"resolved"`
}

type sessionRequest struct {
    Mode string `json:"mode"`
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
    switch r.Method {
    case http.MethodGet:
        // fall through to the response below
    case http.MethodPut:
        var body sessionRequest
        dec := json.NewDecoder(r.Body)
        dec.DisallowUnknownFields()
        if err := dec.Decode(&body); err != nil {
            writeError(w, http.StatusBadRequest, "invalid JSON body")
            return
        }
        if strings.EqualFold(body.Mode, "auto") {
            s.sessions.ClearOverride()
        } else {
            t, err := session.Parse(body.Mode)
            if err != nil {
                writeError(w, http.StatusBadRequest, err.Error())
                return
            }
            s.sessions.SetOverride(t)
        }
    default:
        http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
        return
    }
    mode := "auto"
    if t, ok := s.sessions.Override(); ok {
        mode = t.String()
    }
    writeJSON(w, http.StatusOK, sessionResponse{
        Mode:     mode,
        Resolved: s.sessions.Resolve(time.Now()).String(),
    })
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.WriteHeader(status)
    enc := json.NewEncoder(w)
    enc.SetEscapeHTML(false)
    _ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
    writeJSON(w, status, map[string]string{"error": msg})
}

func withJSONHeaders(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if strings.HasPrefix(r.URL.Path, "/api/") {
            w.Header().Set("Content-Type", "application/json; charset=utf-8")
        }
        next.ServeHTTP(w, r)
    })
}

// withGzip compresses response when client supports gzip.
func withGzip(next http.Handler) http.Handler {
    var gzPool = sync.Pool{New: func() any {
        // Prefer best speed to reduce CPU usage since payloads are JSON
        w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
        return w
    }}
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
            next.ServeHTTP(w, r)
            return
        }
        gz := gzPool.Get().(*gzip.Writer)
        gz.Reset(w)
        defer func() {
            _ = gz.Close()
            gz.Reset(io.Discard)
            gzPool.Put(gz)
        }()
        w.Header().Set("Content-Encoding", "gzip")
        w.Header().Add("Vary", "Accept-Encoding")
        gw := gzipResponseWriter{ResponseWriter: w, Writer: gz}
        next.ServeHTTP(gw, r)
    })
}

type gzipResponseWriter struct {
    http.ResponseWriter
    Writer io.Writer
}

func (g gzipResponseWriter) Write(b []byte) (int, error) {
    return g.Writer.Write(b)
}

// recoverPanic protects handlers from panics.
func recoverPanic(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        defer func() {
            if rec := recover(); rec != nil {
                http.Error(w, "internal server error", http.StatusInternalServerError)
            }
        }()
        next.ServeHTTP(w, r)
    })
}

func splitCSV(s string) []string {
    parts := strings.Split(s, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" { out = append(out, p) }
    }
    return out
}
