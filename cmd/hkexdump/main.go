package main

import (
    "context"
    "flag"
    "fmt"
    "io"
    "log"
    "math/rand"
    "net/http"
    "net/url"
    "os"
    "strconv"
    "time"

    "goldspread/internal/config"
    "goldspread/internal/httpx"
    "goldspread/internal/session"
    "goldspread/internal/token"
)

// Debug tool: performs the bootstrap handshake and one raw request against
// the derivatives endpoint, writing the unparsed body to stdout or a file.
// Useful when the feed changes shape or a token needs checking by hand.
func main() {
    var (
        cfgPath    string
        tok        string
        sessionArg string
        outPath    string
        timeoutSec int
    )
    flag.StringVar(&cfgPath, "config", os.Getenv("CONFIG_FILE"), "path to config.json (optional)")
    flag.StringVar(&tok, "token", os.Getenv("HKEX_TOKEN"), "token to send; defaults to the configured fallback")
    flag.StringVar(&sessionArg, "session", "", "force session type: day or night")
    flag.StringVar(&outPath, "out", "", "write body to file instead of stdout")
    flag.IntVar(&timeoutSec, "timeout", 20, "HTTP timeout seconds")
    flag.Parse()

    cfg, err := config.Load(cfgPath)
    if err != nil {
        log.Fatalf("config: %v", err)
    }
    if tok == "" {
        tok = cfg.Token.Fallback
    }
    if tok == "" {
        tok = token.DefaultFallback
    }

    sessions := session.NewResolver()
    if sessionArg != "" {
        t, err := session.Parse(sessionArg)
        if err != nil {
            log.Fatalf("session flag: %v", err)
        }
        sessions.SetOverride(t)
    }

    hc := httpx.New(time.Duration(timeoutSec) * time.Second)
    hc.Headers = map[string]string{
        "Accept":  "*/*",
        "Referer": "https://www.hkex.com.hk/?sc_lang=zh-HK",
        "Origin":  "https://www.hkex.com.hk",
    }
    sess := hc.WithJar()

    ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec*3)*time.Second)
    defer cancel()

    for _, u := range []string{cfg.HKEX.RootURL, cfg.HKEX.SecCheckURL} {
        if u == "" {
            continue
        }
        if err := visit(ctx, sess, u); err != nil {
            log.Fatalf("bootstrap %s: %v", u, err)
        }
    }

    ms := strconv.FormatInt(time.Now().UnixMilli(), 10)
    q := url.Values{}
    q.Set("lang", cfg.HKEX.Lang)
    q.Set("token", tok)
    q.Set("ats", cfg.HKEX.Instrument)
    q.Set("type", strconv.Itoa(sessions.Resolve(time.Now()).Flag()))
    q.Set("qid", ms)
    q.Set("_", ms)
    q.Set("callback", fmt.Sprintf("jQuery%d_%s", 1_000_000_000_000_000+rand.Int63n(9_000_000_000_000_000), ms))

    req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.HKEX.DataEndpoint+"?"+q.Encode(), http.NoBody)
    if err != nil {
        log.Fatalf("request: %v", err)
    }
    resp, err := sess.Do(ctx, req)
    if err != nil {
        log.Fatalf("fetch: %v", err)
    }
    defer resp.Body.Close()
    log.Printf("GET %s -> %d", cfg.HKEX.DataEndpoint, resp.StatusCode)

    out := os.Stdout
    if outPath != "" {
        f, err := os.Create(outPath)
        if err != nil {
            log.Fatalf("create %s: %v", outPath, err)
        }
        defer f.Close()
        out = f
    }
    if _, err := io.Copy(out, io.LimitReader(resp.Body, 8<<20)); err != nil {
        log.Fatalf("write: %v", err)
    }
}

func visit(ctx context.Context, sess *httpx.Client, u string) error {
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
