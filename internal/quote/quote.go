// Package quote fetches single-contract quote strings from the price feed.
package quote

import (
    "context"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "regexp"
    "strconv"
    "strings"
    "time"

    "goldspread/internal/httpx"
)

// Contract is one parsed contract quote. Immutable once parsed; replaced
// wholesale on the next refresh cycle.
type Contract struct {
    Code      string  `json:"code"`
    Name      string  `json:"name"`
    Price     float64 `json:"price"`
    UpdatedAt string  `json:"updated_at"`
}

// The feed embeds the quote as a JavaScript string literal.
var hqPattern = regexp.MustCompile(`var hq_str = "(.*?)";`)

type Config struct {
    URL     string
    Referer string
    Timeout time.Duration
}

// Fetcher performs stateless single-shot quote requests. No retry and no
// session state; a failed fetch is reported to the caller as an error and
// the contract simply goes missing from that cycle.
type Fetcher struct {
    cfg    Config
    client *httpx.Client
}

func NewFetcher(cfg Config, hc *httpx.Client) *Fetcher {
    if cfg.URL == "" {
        cfg.URL = "https://api.jijinhao.com/sQuoteCenter/realTime.htm"
    }
    if cfg.Referer == "" {
        cfg.Referer = "https://quote.cngold.org/"
    }
    if cfg.Timeout <= 0 {
        cfg.Timeout = 10 * time.Second
    }
    return &Fetcher{cfg: cfg, client: hc}
}

// Fetch retrieves and parses the quote for one contract code.
func (f *Fetcher) Fetch(ctx context.Context, code string) (*Contract, error) {
    ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
    defer cancel()

    q := url.Values{}
    q.Set("code", code)
    q.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))

    req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL+"?"+q.Encode(), http.NoBody)
    if err != nil {
        return nil, fmt.Errorf("creating request: %w", err)
    }
    req.Header.Set("Referer", f.cfg.Referer)

    resp, err := f.client.Do(ctx, req)
    if err != nil {
        return nil, fmt.Errorf("performing request: %w", err)
    }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        return nil, fmt.Errorf("GET %s -> %d", f.cfg.URL, resp.StatusCode)
    }

    body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
    if err != nil {
        return nil, fmt.Errorf("reading body: %w", err)
    }
    return ParseQuote(code, string(body))
}

// ParseQuote extracts a Contract from the hq_str response body. The field
// layout is fixed by the upstream provider: index 0 is the display name,
// index 3 the current price, and the two fields before the last are the
// date and time components of the update timestamp.
func ParseQuote(code, body string) (*Contract, error) {
    m := hqPattern.FindStringSubmatch(body)
    if m == nil {
        return nil, fmt.Errorf("quote %s: no hq_str in response", code)
    }
    fields := strings.Split(m[1], ",")
    if len(fields) < 6 {
        return nil, fmt.Errorf("quote %s: short field list (%d)", code, len(fields))
    }
    price, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
    if err != nil {
        return nil, fmt.Errorf("quote %s: bad price %q", code, fields[3])
    }
    return &Contract{
        Code:      code,
        Name:      strings.TrimSpace(fields[0]),
        Price:     price,
        UpdatedAt: fields[len(fields)-3] + " " + fields[len(fields)-2],
    }, nil
}
