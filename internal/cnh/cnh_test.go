package cnh

import (
    "context"
    "fmt"
    "net/http"
    "net/http/httptest"
    "sync/atomic"
    "testing"
    "time"

    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "goldspread/internal/httpx"
)

func TestRate(t *testing.T) {
    t.Parallel()

    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        assert.Equal(t, "/secret-key/latest/USD", r.URL.Path)
        fmt.Fprint(w, `{"result":"success","conversion_rates":{"CNY":7.31,"EUR":0.92}}`)
    }))
    defer srv.Close()

    c := New(Config{BaseURL: srv.URL, APIKey: "secret-key"}, httpx.New(5*time.Second), zerolog.Nop())
    rate, err := c.Rate(context.Background())
    require.NoError(t, err)
    assert.InDelta(t, 7.31, rate, 1e-9)
}

func TestRate_UpstreamError(t *testing.T) {
    t.Parallel()

    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        fmt.Fprint(w, `{"result":"error","error-type":"invalid-key"}`)
    }))
    defer srv.Close()

    c := New(Config{BaseURL: srv.URL, APIKey: "k"}, httpx.New(5*time.Second), zerolog.Nop())
    _, err := c.Rate(context.Background())
    require.Error(t, err)
    assert.Contains(t, err.Error(), "error")
}

func TestRate_MissingCNY(t *testing.T) {
    t.Parallel()

    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        fmt.Fprint(w, `{"result":"success","conversion_rates":{"EUR":0.92}}`)
    }))
    defer srv.Close()

    c := New(Config{BaseURL: srv.URL, APIKey: "k"}, httpx.New(5*time.Second), zerolog.Nop())
    _, err := c.Rate(context.Background())
    assert.Error(t, err)
}

func TestRate_CacheAvoidsRefetch(t *testing.T) {
    t.Parallel()

    var hits atomic.Int64
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        hits.Add(1)
        fmt.Fprint(w, `{"result":"success","conversion_rates":{"CNY":7.31}}`)
    }))
    defer srv.Close()

    c := New(Config{BaseURL: srv.URL, APIKey: "k", CacheTTL: time.Hour}, httpx.New(5*time.Second), zerolog.Nop())
    for i := 0; i < 3; i++ {
        rate, err := c.Rate(context.Background())
        require.NoError(t, err)
        assert.InDelta(t, 7.31, rate, 1e-9)
    }
    assert.EqualValues(t, 1, hits.Load())
}

func TestRate_NoCacheRefetchesEveryCall(t *testing.T) {
    t.Parallel()

    var hits atomic.Int64
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        hits.Add(1)
        fmt.Fprint(w, `{"result":"success","conversion_rates":{"CNY":7.31}}`)
    }))
    defer srv.Close()

    c := New(Config{BaseURL: srv.URL, APIKey: "k"}, httpx.New(5*time.Second), zerolog.Nop())
    for i := 0; i < 2; i++ {
        _, err := c.Rate(context.Background())
        require.NoError(t, err)
    }
    assert.EqualValues(t, 2, hits.Load())
}
