package config

import (
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "strings"
)

type Server struct {
    Port              string `json:"port"`
    RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type ContractRef struct {
    Code string `json:"code"`
    Name string `json:"name"`
}

type Quote struct {
    Endpoint   string        `json:"endpoint"`
    Referer    string        `json:"referer"`
    TimeoutSec int           `json:"timeout_sec"`
    Contracts  []ContractRef `json:"contracts"`
}

type Token struct {
    // Command is the external capture harness argv. Empty means no
    // acquisition capability; refreshes go straight to the fallback.
    Command           []string `json:"command"`
    CaptureTimeoutSec int      `json:"capture_timeout_sec"`
    Attempts          int      `json:"attempts"`
    Fallback          string   `json:"fallback"`
    MaxPerMinute      int      `json:"max_per_minute"`
    Burst             int      `json:"burst"`
}

type HKEX struct {
    DataEndpoint        string `json:"data_endpoint"`
    RootURL             string `json:"root_url"`
    SecCheckURL         string `json:"sec_check_url"`
    Lang                string `json:"lang"`
    Instrument          string `json:"instrument"`
    TimeoutSec          int    `json:"timeout_sec"`
    BootstrapTimeoutSec int    `json:"bootstrap_timeout_sec"`
    MaxAttempts         int    `json:"max_attempts"`
    RetryWaitMs         int    `json:"retry_wait_ms"`
}

type CNH struct {
    Enabled     bool   `json:"enabled"`
    Endpoint    string `json:"endpoint"`
    APIKey      string `json:"api_key"`
    TimeoutSec  int    `json:"timeout_sec"`
    CacheTTLSec int    `json:"cache_ttl_sec"`
    Label       string `json:"label"`
}

type Refresh struct {
    IntervalSec     int `json:"interval_sec"`
    MinIntervalSec  int `json:"min_interval_sec"`
    MaxConcurrency  int `json:"max_concurrency"`
    CycleTimeoutSec int `json:"cycle_timeout_sec"`
}

type Spread struct {
    ReferenceCode string   `json:"reference_code"`
    LondonCode    string   `json:"london_code"`
    ShanghaiCodes []string `json:"shanghai_codes"`
    GramsPerOunce float64  `json:"grams_per_ounce"`
}

type Config struct {
    Server  Server  `json:"server"`
    Quote   Quote   `json:"quote"`
    Token   Token   `json:"token"`
    HKEX    HKEX    `json:"hkex"`
    CNH     CNH     `json:"cnh"`
    Refresh Refresh `json:"refresh"`
    Spread  Spread  `json:"spread"`
}

func Default() Config {
    return Config{
        Server: Server{Port: "8080", RequestTimeoutSec: 15},
        Quote: Quote{
            Endpoint:   "https://api.jijinhao.com/sQuoteCenter/realTime.htm",
            Referer:    "https://quote.cngold.org/",
            TimeoutSec: 10,
            Contracts: []ContractRef{
                {Code: "JO_165751", Name: "沪金2504"},
                {Code: "JO_165753", Name: "沪金2506"},
                {Code: "JO_165755", Name: "沪金2508"},
                {Code: "JO_92233", Name: "伦敦金"},
                {Code: "JO_12552", Name: "COMEX"},
            },
        },
        Token: Token{
            CaptureTimeoutSec: 60,
            Attempts:          10,
            MaxPerMinute:      6,
            Burst:             2,
        },
        HKEX: HKEX{
            DataEndpoint:        "https://www1.hkex.com.hk/hkexwidget/data/getderivativesfutures",
            RootURL:             "https://www.hkex.com.hk/",
            SecCheckURL:         "https://www1.hkex.com.hk/hkexwidget/apis/seccheck.jsp",
            Lang:                "chi",
            Instrument:          "CUS",
            TimeoutSec:          15,
            BootstrapTimeoutSec: 10,
            MaxAttempts:         10,
            RetryWaitMs:         500,
        },
        CNH: CNH{
            Enabled:     false,
            Endpoint:    "https://v6.exchangerate-api.com/v6",
            TimeoutSec:  10,
            CacheTTLSec: 300,
            Label:       "USD/CNH",
        },
        Refresh: Refresh{
            IntervalSec:     30,
            MinIntervalSec:  10,
            MaxConcurrency:  4,
            CycleTimeoutSec: 180,
        },
        Spread: Spread{
            ReferenceCode: "JO_12552",
            LondonCode:    "JO_92233",
            ShanghaiCodes: []string{"JO_165751", "JO_165753", "JO_165755"},
        },
    }
}

// Load reads JSON config from path. If path is empty or file does not exist,
// it returns defaults. Environment variables override select fields for secrecy.
func Load(path string) (Config, error) {
    cfg := Default()
    if path == "" {
        if _, err := os.Stat("config.json"); err == nil {
            path = "config.json"
        }
    }
    if path != "" {
        b, err := os.ReadFile(path)
        if err != nil && !errors.Is(err, os.ErrNotExist) {
            return cfg, fmt.Errorf("read config: %w", err)
        }
        if err == nil {
            if err := json.Unmarshal(b, &cfg); err != nil {
                return cfg, fmt.Errorf("parse config: %w", err)
            }
        }
    }
    applyEnv(&cfg)
    return cfg, nil
}

func applyEnv(cfg *Config) {
    if v := os.Getenv("PORT"); v != "" { cfg.Server.Port = v }
    if v := os.Getenv("REQUEST_TIMEOUT_SEC"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Server.RequestTimeoutSec = x }
    }
    if v := os.Getenv("QUOTE_ENDPOINT"); v != "" { cfg.Quote.Endpoint = v }
    if v := os.Getenv("TOKEN_COMMAND"); v != "" { cfg.Token.Command = splitCSV(v) }
    if v := os.Getenv("TOKEN_FALLBACK"); v != "" { cfg.Token.Fallback = v }
    if v := os.Getenv("TOKEN_ATTEMPTS"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Token.Attempts = x }
    }
    if v := os.Getenv("HKEX_DATA_ENDPOINT"); v != "" { cfg.HKEX.DataEndpoint = v }
    if v := os.Getenv("HKEX_INSTRUMENT"); v != "" { cfg.HKEX.Instrument = v }
    if v := os.Getenv("HKEX_MAX_ATTEMPTS"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.HKEX.MaxAttempts = x }
    }
    if v := os.Getenv("CNH_ENABLED"); v != "" {
        switch strings.ToLower(v) {
        case "1","true","yes","y": cfg.CNH.Enabled = true
        case "0","false","no","n": cfg.CNH.Enabled = false
        }
    }
    if v := os.Getenv("CNH_API_KEY"); v != "" { cfg.CNH.APIKey = v }
    if v := os.Getenv("CNH_ENDPOINT"); v != "" { cfg.CNH.Endpoint = v }
    if v := os.Getenv("REFRESH_INTERVAL_SEC"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Refresh.IntervalSec = x }
    }
    if v := os.Getenv("REFRESH_MIN_INTERVAL_SEC"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x >= 0 { cfg.Refresh.MinIntervalSec = x }
    }
    if v := os.Getenv("REFRESH_MAX_CONCURRENCY"); v != "" {
        var x int; fmt.Sscanf(v, "%d", &x); if x > 0 { cfg.Refresh.MaxConcurrency = x }
    }
}

// Codes returns the contract codes in configured order.
func (q Quote) Codes() []string {
    out := make([]string, 0, len(q.Contracts))
    for _, c := range q.Contracts {
        out = append(out, c.Code)
    }
    return out
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
