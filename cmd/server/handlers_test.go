package main

import (
    "context"
    "encoding/json"
    "fmt"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/rs/zerolog"

    "goldspread/internal/config"
    "goldspread/internal/hkex"
    "goldspread/internal/quote"
    "goldspread/internal/refresh"
    "goldspread/internal/session"
    "goldspread/internal/spread"
    "goldspread/internal/token"
)

type fakeQuotes struct{ prices map[string]float64 }

func (f fakeQuotes) Fetch(_ context.Context, code string) (*quote.Contract, error) {
    p, ok := f.prices[code]
    if !ok {
        return nil, fmt.Errorf("quote %s: not available", code)
    }
    return &quote.Contract{Code: code, Name: "contract " + code, Price: p, UpdatedAt: "2025-02-08 03:09:12"}, nil
}

type fakeRates struct {
    block chan struct{} // when non-nil, FetchRates blocks until closed
}

func (f fakeRates) FetchRates(_ context.Context) (*hkex.Table, error) {
    if f.block != nil {
        <-f.block
    }
    t := hkex.NewTable()
    t.Set("CUS 2603", 7.25)
    t.Set("CUS 2606", 7.28)
    return t, nil
}

func testServer(t *testing.T, rates refresh.RateFetcher) *server {
    t.Helper()
    cfg := config.Default()
    quotes := fakeQuotes{prices: map[string]float64{
        "JO_165751": 680.0,
        "JO_165753": 684.5,
        "JO_12552":  2886.4,
        "JO_92233":  2890.1,
    }}
    orch := refresh.NewOrchestrator(refresh.Config{Codes: cfg.Quote.Codes()},
        quotes, rates, nil, zerolog.Nop(), nil)
    return &server{
        cfg:      cfg,
        orch:     orch,
        tokens:   token.NewProvider(nil),
        sessions: session.NewResolver(),
        grams:    spread.GramsPerTroyOunce,
    }
}

func TestSnapshot_BeforeFirstCycle(t *testing.T) {
    s := testServer(t, fakeRates{})
    rr := httptest.NewRecorder()
    s.handleSnapshot(rr, httptest.NewRequest("GET", "/api/snapshot", nil))
    if rr.Code != 503 {
        t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
    }
}

func TestSnapshot_AfterCycle(t *testing.T) {
    s := testServer(t, fakeRates{})
    if _, err := s.orch.RunCycle(context.Background()); err != nil {
        t.Fatalf("cycle: %v", err)
    }

    rr := httptest.NewRecorder()
    s.handleSnapshot(rr, httptest.NewRequest("GET", "/api/snapshot", nil))
    if rr.Code != 200 {
        t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
    }
    var resp snapshotResponse
    if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
        t.Fatalf("decode: %v", err)
    }
    if len(resp.Contracts) != 4 {
        t.Fatalf("want 4 contracts, got %d", len(resp.Contracts))
    }
    if resp.Refreshing || resp.DegradedToken || resp.LastError != "" {
        t.Fatalf("unexpected flags: %+v", resp)
    }
    if resp.Contracts["JO_12552"].Price != 2886.4 {
        t.Fatalf("unexpected reference price: %+v", resp.Contracts["JO_12552"])
    }
}

func TestSpreads(t *testing.T) {
    s := testServer(t, fakeRates{})
    if _, err := s.orch.RunCycle(context.Background()); err != nil {
        t.Fatalf("cycle: %v", err)
    }

    rr := httptest.NewRecorder()
    s.handleSpreads(rr, httptest.NewRequest("GET", "/api/spreads", nil))
    if rr.Code != 200 {
        t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
    }
    var resp spreadsResponse
    if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
        t.Fatalf("decode: %v", err)
    }
    // 2 shanghai contracts present x 2 rates. JO_165755 has no quote and
    // must be absent rather than zero-filled.
    if len(resp.Cross) != 4 {
        t.Fatalf("want 4 cross rows, got %d: %+v", len(resp.Cross), resp.Cross)
    }
    for _, row := range resp.Cross {
        if row.Code == "JO_165755" {
            t.Fatalf("row for missing contract: %+v", row)
        }
    }
    want := spread.Round4(spread.Cross(680.0, 2886.4, 7.25, spread.GramsPerTroyOunce))
    if resp.Cross[0].Code != "JO_165751" || resp.Cross[0].Spread != want {
        t.Fatalf("unexpected first row: %+v", resp.Cross[0])
    }
    if resp.London == nil || resp.London.Spread != spread.Round4(2890.1-2886.4) {
        t.Fatalf("unexpected london row: %+v", resp.London)
    }
}

func TestSpreads_RateFilter(t *testing.T) {
    s := testServer(t, fakeRates{})
    if _, err := s.orch.RunCycle(context.Background()); err != nil {
        t.Fatalf("cycle: %v", err)
    }

    rr := httptest.NewRecorder()
    s.handleSpreads(rr, httptest.NewRequest("GET", "/api/spreads?rates=CUS+2606", nil))
    var resp spreadsResponse
    if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
        t.Fatalf("decode: %v", err)
    }
    if len(resp.Cross) != 2 {
        t.Fatalf("want 2 rows, got %d: %+v", len(resp.Cross), resp.Cross)
    }
    for _, row := range resp.Cross {
        if row.RateLabel != "CUS 2606" {
            t.Fatalf("filter leaked: %+v", row)
        }
    }
}

func TestRefresh_StartsCycle(t *testing.T) {
    s := testServer(t, fakeRates{})
    rr := httptest.NewRecorder()
    s.handleRefresh(rr, httptest.NewRequest("POST", "/api/refresh", nil))
    if rr.Code != 202 {
        t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
    }

    deadline := time.Now().Add(2 * time.Second)
    for s.orch.Latest() == nil {
        if time.Now().After(deadline) {
            t.Fatal("background cycle never completed")
        }
        time.Sleep(5 * time.Millisecond)
    }
}

func TestRefresh_ConflictWhileRunning(t *testing.T) {
    block := make(chan struct{})
    s := testServer(t, fakeRates{block: block})

    done := make(chan struct{})
    go func() {
        _, _ = s.orch.RunCycle(context.Background())
        close(done)
    }()
    for !s.orch.Running() {
        time.Sleep(time.Millisecond)
    }

    rr := httptest.NewRecorder()
    s.handleRefresh(rr, httptest.NewRequest("POST", "/api/refresh", nil))
    if rr.Code != 409 {
        t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
    }
    close(block)
    <-done
}

func TestRefresh_MethodNotAllowed(t *testing.T) {
    s := testServer(t, fakeRates{})
    rr := httptest.NewRecorder()
    s.handleRefresh(rr, httptest.NewRequest("GET", "/api/refresh", nil))
    if rr.Code != 405 {
        t.Fatalf("status=%d", rr.Code)
    }
}

func TestSession_OverrideRoundTrip(t *testing.T) {
    s := testServer(t, fakeRates{})

    put := func(body string) *httptest.ResponseRecorder {
        rr := httptest.NewRecorder()
        s.handleSession(rr, httptest.NewRequest("PUT", "/api/session", strings.NewReader(body)))
        return rr
    }

    rr := put(`{"mode":"night"}`)
    if rr.Code != 200 {
        t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
    }
    var resp sessionResponse
    if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
        t.Fatalf("decode: %v", err)
    }
    if resp.Mode != "night" || resp.Resolved != "night" {
        t.Fatalf("unexpected: %+v", resp)
    }

    rr = put(`{"mode":"auto"}`)
    if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
        t.Fatalf("decode: %v", err)
    }
    if resp.Mode != "auto" {
        t.Fatalf("override not cleared: %+v", resp)
    }

    if rr := put(`{"mode":"dawn"}`); rr.Code != 400 {
        t.Fatalf("want 400 for bad mode, got %d", rr.Code)
    }
    if rr := put(`not json`); rr.Code != 400 {
        t.Fatalf("want 400 for bad body, got %d", rr.Code)
    }
}
