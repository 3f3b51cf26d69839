// Package hkex fetches the derivatives exchange-rate table from the HKEX
// widget feed. The feed sits behind an anti-scraping gate: requests need
// session cookies from a two-step bootstrap, an opaque token, a session-type
// flag and jQuery-style JSONP decoration, and the token expires silently.
package hkex

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "math/rand"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/cenkalti/backoff/v4"
    "github.com/rs/zerolog"

    "goldspread/internal/httpx"
    "goldspread/internal/metrics"
    "goldspread/internal/session"
    "goldspread/internal/token"
)

// RateFetchError is the terminal failure raised once the retry budget is
// exhausted. It carries the last underlying cause.
type RateFetchError struct {
    Attempts int
    Last     error
}

func (e *RateFetchError) Error() string {
    return fmt.Sprintf("rate fetch failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RateFetchError) Unwrap() error { return e.Last }

// Client fetches the rate table. Each attempt establishes a fresh
// cookie-bearing session; a failed attempt invalidates and refreshes the
// shared token before the next one.
type Client struct {
    dataURL     string
    rootURL     string
    secCheckURL string
    lang        string
    instrument  string

    attempts         int
    retryWait        time.Duration
    bootstrapTimeout time.Duration
    dataTimeout      time.Duration

    client   *httpx.Client
    tokens   *token.Provider
    sessions *session.Resolver
    log      zerolog.Logger
    m        *metrics.Metrics
}

// Option is a configuration option for the Client.
type Option func(*Client)

// WithDataURL sets the derivatives data endpoint.
func WithDataURL(u string) Option {
    return func(c *Client) { c.dataURL = u }
}

// WithBootstrapURLs sets the two session-bootstrap endpoints, visited in
// order before the data endpoint will respond.
func WithBootstrapURLs(root, secCheck string) Option {
    return func(c *Client) {
        c.rootURL = root
        c.secCheckURL = secCheck
    }
}

// WithInstrument sets the ats instrument-type tag (e.g. CUS).
func WithInstrument(ats string) Option {
    return func(c *Client) { c.instrument = ats }
}

// WithLang sets the language tag sent with each request.
func WithLang(lang string) Option {
    return func(c *Client) { c.lang = lang }
}

// WithAttempts sets the retry budget for a FetchRates call.
func WithAttempts(n int) Option {
    return func(c *Client) {
        if n > 0 {
            c.attempts = n
        }
    }
}

// WithRetryWait sets the fixed pause between attempts.
func WithRetryWait(d time.Duration) Option {
    return func(c *Client) { c.retryWait = d }
}

// WithTimeouts sets the per-call timeouts for the bootstrap and data
// requests respectively.
func WithTimeouts(bootstrap, data time.Duration) Option {
    return func(c *Client) {
        if bootstrap > 0 {
            c.bootstrapTimeout = bootstrap
        }
        if data > 0 {
            c.dataTimeout = data
        }
    }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *httpx.Client) Option {
    return func(c *Client) { c.client = hc }
}

func WithLogger(log zerolog.Logger) Option {
    return func(c *Client) { c.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
    return func(c *Client) { c.m = m }
}

// NewClient creates a rate client bound to a token provider and session
// resolver. Defaults target the production feed.
func NewClient(tokens *token.Provider, sessions *session.Resolver, options ...Option) *Client {
    c := &Client{
        dataURL:          "https://www1.hkex.com.hk/hkexwidget/data/getderivativesfutures",
        rootURL:          "https://www.hkex.com.hk/",
        secCheckURL:      "https://www1.hkex.com.hk/hkexwidget/apis/seccheck.jsp",
        lang:             "chi",
        instrument:       "CUS",
        attempts:         10,
        retryWait:        500 * time.Millisecond,
        bootstrapTimeout: 10 * time.Second,
        dataTimeout:      15 * time.Second,
        tokens:           tokens,
        sessions:         sessions,
        log:              zerolog.Nop(),
    }
    for _, option := range options {
        option(c)
    }
    if c.client == nil {
        c.client = httpx.New(c.dataTimeout + time.Second)
        c.client.Headers = map[string]string{
            "Accept":          "*/*",
            "Accept-Language": "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7",
            "Referer":         "https://www.hkex.com.hk/?sc_lang=zh-HK",
            "Origin":          "https://www.hkex.com.hk",
        }
    }
    return c
}

// FetchRates retrieves the current rate table. On any failure it invalidates
// the cached token, refreshes it and retries with a fixed pause, strictly
// sequentially, up to the attempt budget. The returned table is owned by the
// caller; nothing is cached here.
func (c *Client) FetchRates(ctx context.Context) (*Table, error) {
    var result *Table
    var lastErr error
    attempt := 0

    op := func() error {
        attempt++
        if attempt > 1 {
            c.tokens.Invalidate()
            if _, err := c.tokens.Refresh(ctx); err != nil {
                lastErr = err
                return err
            }
        }
        t, err := c.fetchOnce(ctx)
        if err != nil {
            lastErr = err
            c.log.Warn().Err(err).Int("attempt", attempt).Msg("rate fetch attempt failed")
            return err
        }
        result = t
        return nil
    }

    policy := backoff.WithContext(
        backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryWait), uint64(c.attempts-1)),
        ctx,
    )
    if err := backoff.Retry(op, policy); err != nil {
        if lastErr == nil {
            lastErr = err
        }
        return nil, &RateFetchError{Attempts: attempt, Last: lastErr}
    }
    return result, nil
}

func (c *Client) fetchOnce(ctx context.Context) (*Table, error) {
    if c.m != nil {
        c.m.RateFetchAttempts.Inc()
    }

    sess := c.client.WithJar()
    if err := c.bootstrap(ctx, sess); err != nil {
        return nil, err
    }

    tok, err := c.tokens.Token(ctx)
    if err != nil {
        return nil, fmt.Errorf("token: %w", err)
    }

    ms := strconv.FormatInt(time.Now().UnixMilli(), 10)
    q := url.Values{}
    q.Set("lang", c.lang)
    q.Set("token", tok)
    q.Set("ats", c.instrument)
    q.Set("type", strconv.Itoa(c.sessions.Resolve(time.Now()).Flag()))
    // Anti-cache decoration: the millisecond timestamp rides as both qid and
    // _, and the callback has to look like a live jQuery JSONP shim.
    q.Set("qid", ms)
    q.Set("_", ms)
    q.Set("callback", fmt.Sprintf("jQuery%d_%s", 1_000_000_000_000_000+rand.Int63n(9_000_000_000_000_000), ms))

    reqCtx, cancel := context.WithTimeout(ctx, c.dataTimeout)
    defer cancel()
    req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.dataURL+"?"+q.Encode(), http.NoBody)
    if err != nil {
        return nil, fmt.Errorf("creating request: %w", err)
    }
    resp, err := sess.Do(reqCtx, req)
    if err != nil {
        return nil, fmt.Errorf("performing request: %w", err)
    }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        return nil, fmt.Errorf("GET %s -> %d", c.dataURL, resp.StatusCode)
    }
    body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
    if err != nil {
        return nil, fmt.Errorf("reading body: %w", err)
    }

    table, defaulted, err := parseRates(body)
    if err != nil {
        return nil, err
    }
    if defaulted > 0 {
        c.log.Warn().Int("entries", defaulted).Msg("rate entries defaulted to 1.0")
        if c.m != nil {
            c.m.RatesDefaulted.Add(float64(defaulted))
        }
    }
    return table, nil
}

// bootstrap visits the site root and the security-check endpoint so the
// session jar carries the cookies the data endpoint insists on.
func (c *Client) bootstrap(ctx context.Context, sess *httpx.Client) error {
    for _, u := range []string{c.rootURL, c.secCheckURL} {
        if u == "" {
            continue
        }
        if err := c.visit(ctx, sess, u); err != nil {
            return fmt.Errorf("bootstrap %s: %w", u, err)
        }
    }
    return nil
}

func (c *Client) visit(ctx context.Context, sess *httpx.Client, u string) error {
    ctx, cancel := context.WithTimeout(ctx, c.bootstrapTimeout)
    defer cancel()
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
    if err != nil {
        return err
    }
    resp, err := sess.Do(ctx, req)
    if err != nil {
        return err
    }
    defer resp.Body.Close()
    _, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
    return nil
}

type apiResponse struct {
    Data *ratePayload `json:"data"`
}

type ratePayload struct {
    LastUpd     string      `json:"lastupd"`
    FuturesList []rateEntry `json:"futureslist"`
}

type rateEntry struct {
    ConL string `json:"con_l"`
    SE   any    `json:"se"`
}

func parseRates(body []byte) (*Table, int, error) {
    var api apiResponse
    if err := json.Unmarshal(stripEnvelope(body), &api); err != nil {
        return nil, 0, fmt.Errorf("decode: %w", err)
    }
    if api.Data == nil || len(api.Data.FuturesList) == 0 {
        return nil, 0, fmt.Errorf("response missing futureslist")
    }
    t := NewTable()
    defaulted := 0
    for _, e := range api.Data.FuturesList {
        v, ok := rateValue(e.SE)
        if !ok {
            v = 1.0
            defaulted++
        }
        t.Set(e.ConL, v)
    }
    return t, defaulted, nil
}

// rateValue coerces the se field, which arrives as either a JSON number or
// a numeric string.
func rateValue(v any) (float64, bool) {
    switch x := v.(type) {
    case float64:
        return x, true
    case string:
        f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
        if err != nil {
            return 0, false
        }
        return f, true
    }
    return 0, false
}

// stripEnvelope normalizes the two response shapes the endpoint produces:
// a JSONP wrapper callbackName({...}) or the bare JSON object.
func stripEnvelope(body []byte) []byte {
    s := strings.TrimSpace(string(body))
    if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
        return []byte(s)
    }
    open := strings.Index(s, "(")
    end := strings.LastIndex(s, ")")
    if open < 0 || end <= open {
        return []byte(s)
    }
    return []byte(s[open+1 : end])
}
