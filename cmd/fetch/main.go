package main

import (
    "context"
    "encoding/json"
    "flag"
    "os"
    "strings"
    "time"

    "github.com/rs/zerolog"

    "goldspread/internal/cnh"
    "goldspread/internal/config"
    "goldspread/internal/hkex"
    "goldspread/internal/httpx"
    "goldspread/internal/quote"
    "goldspread/internal/refresh"
    "goldspread/internal/session"
    "goldspread/internal/spread"
    "goldspread/internal/token"
)

// One-shot refresh cycle: fetch everything once, print the result and the
// computed spreads as JSON, exit non-zero on a failed cycle.
func main() {
    var (
        configPath string
        codesCSV   string
        sessionArg string
        timeoutSec int
        withCNH    bool
    )
    flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.json (optional)")
    flag.StringVar(&codesCSV, "codes", "", "override contract codes, comma-separated")
    flag.StringVar(&sessionArg, "session", "", "force session type: day or night")
    flag.IntVar(&timeoutSec, "timeout", 180, "overall cycle timeout in seconds")
    flag.BoolVar(&withCNH, "cnh", false, "also fetch the offshore-yuan rate (needs CNH_API_KEY)")
    flag.Parse()

    log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
        With().Timestamp().Logger()

    cfg, err := config.Load(configPath)
    if err != nil {
        log.Fatal().Err(err).Msg("config")
    }
    codes := cfg.Quote.Codes()
    if codesCSV != "" {
        codes = splitCSV(codesCSV)
    }

    httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

    var src token.Source
    if len(cfg.Token.Command) > 0 {
        src = &token.ExecSource{
            Command: cfg.Token.Command,
            Timeout: time.Duration(cfg.Token.CaptureTimeoutSec) * time.Second,
        }
    }
    tokens := token.NewProvider(src,
        token.WithAttempts(cfg.Token.Attempts),
        token.WithLogger(log.With().Str("component", "token").Logger()),
    )

    sessions := session.NewResolver()
    if sessionArg != "" {
        t, err := session.Parse(sessionArg)
        if err != nil {
            log.Fatal().Err(err).Msg("session flag")
        }
        sessions.SetOverride(t)
    }

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
    )

    quotes := quote.NewFetcher(quote.Config{
        URL:     cfg.Quote.Endpoint,
        Referer: cfg.Quote.Referer,
        Timeout: time.Duration(cfg.Quote.TimeoutSec) * time.Second,
    }, httpClient)

    var aux refresh.AuxRate
    if withCNH && cfg.CNH.APIKey != "" {
        aux = cnh.New(cnh.Config{
            BaseURL: cfg.CNH.Endpoint,
            APIKey:  cfg.CNH.APIKey,
            Timeout: time.Duration(cfg.CNH.TimeoutSec) * time.Second,
        }, httpClient, log)
    }

    orch := refresh.NewOrchestrator(refresh.Config{
        Codes:        codes,
        Concurrency:  cfg.Refresh.MaxConcurrency,
        CycleTimeout: time.Duration(timeoutSec) * time.Second,
        AuxLabel:     cfg.CNH.Label,
    }, quotes, rates, aux, log, nil)

    ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
    defer cancel()

    res, err := orch.RunCycle(ctx)
    if err != nil {
        log.Fatal().Err(err).Msg("refresh cycle failed")
    }

    grams := cfg.Spread.GramsPerOunce
    if grams <= 0 {
        grams = spread.GramsPerTroyOunce
    }
    out := struct {
        *refresh.Result
        Cross  []spread.Row `json:"cross"`
        London *spread.Row  `json:"london,omitempty"`
    }{
        Result: res,
        Cross: spread.CrossRows(res.Contracts, cfg.Spread.ShanghaiCodes,
            cfg.Spread.ReferenceCode, res.Rates, nil, grams),
    }
    if row, ok := spread.DirectRow(res.Contracts, cfg.Spread.LondonCode, cfg.Spread.ReferenceCode); ok {
        out.London = &row
    }

    enc := json.NewEncoder(os.Stdout)
    enc.SetEscapeHTML(false)
    enc.SetIndent("", "  ")
    _ = enc.Encode(out)
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
