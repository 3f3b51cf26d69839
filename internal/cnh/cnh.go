// Package cnh fetches the USD to offshore-yuan conversion rate from the
// exchangerate-api v6 endpoint.
package cnh

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http"
    "sync"
    "time"

    "github.com/rs/zerolog"

    "goldspread/internal/httpx"
)

type Config struct {
    BaseURL string
    APIKey  string
    Timeout time.Duration
    // CacheTTL keeps the last good rate for a while; the free tier of the
    // upstream API only refreshes daily, so re-fetching every cycle is waste.
    // <= 0 disables caching.
    CacheTTL time.Duration
}

type Client struct {
    cfg    Config
    client *httpx.Client
    log    zerolog.Logger

    mu        sync.RWMutex
    rate      float64
    fetchedAt time.Time
}

func New(cfg Config, hc *httpx.Client, log zerolog.Logger) *Client {
    if cfg.BaseURL == "" {
        cfg.BaseURL = "https://v6.exchangerate-api.com/v6"
    }
    if cfg.Timeout <= 0 {
        cfg.Timeout = 10 * time.Second
    }
    return &Client{cfg: cfg, client: hc, log: log}
}

type apiResponse struct {
    Result          string             `json:"result"`
    ConversionRates map[string]float64 `json:"conversion_rates"`
}

// Rate returns the USD/CNY conversion rate, served from cache while fresh.
func (c *Client) Rate(ctx context.Context) (float64, error) {
    if c.cfg.CacheTTL > 0 {
        c.mu.RLock()
        if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < c.cfg.CacheTTL {
            r := c.rate
            c.mu.RUnlock()
            return r, nil
        }
        c.mu.RUnlock()
    }

    ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
    defer cancel()
    u := fmt.Sprintf("%s/%s/latest/USD", c.cfg.BaseURL, c.cfg.APIKey)
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
    if err != nil {
        return 0, fmt.Errorf("creating request: %w", err)
    }
    resp, err := c.client.Do(ctx, req)
    if err != nil {
        return 0, fmt.Errorf("performing request: %w", err)
    }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        return 0, fmt.Errorf("GET %s -> %d", c.cfg.BaseURL, resp.StatusCode)
    }

    var api apiResponse
    if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
        return 0, fmt.Errorf("decode: %w", err)
    }
    if api.Result != "success" {
        return 0, fmt.Errorf("upstream result %q", api.Result)
    }
    rate, ok := api.ConversionRates["CNY"]
    if !ok {
        return 0, fmt.Errorf("response missing CNY rate")
    }

    c.mu.Lock()
    c.rate = rate
    c.fetchedAt = time.Now()
    c.mu.Unlock()
    c.log.Debug().Float64("rate", rate).Msg("cnh rate refreshed")
    return rate, nil
}
