// Package session decides which market-session flag the derivatives
// endpoint should be queried with.
package session

import (
    "fmt"
    "strings"
    "sync"
    "time"
)

// Type is the market session the rate endpoint is asked for.
type Type int

const (
    Night Type = iota
    Day
)

// Flag is the wire value the derivatives endpoint expects: day=1, night=0.
func (t Type) Flag() int {
    if t == Day {
        return 1
    }
    return 0
}

func (t Type) String() string {
    if t == Day {
        return "day"
    }
    return "night"
}

// Parse maps "day"/"night" to a Type.
func Parse(s string) (Type, error) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "day":
        return Day, nil
    case "night":
        return Night, nil
    }
    return Night, fmt.Errorf("unknown session type %q", s)
}

// Resolver computes the session type from Hong Kong local time.
// A manual override, once set, wins until explicitly cleared.
type Resolver struct {
    loc *time.Location

    mu       sync.RWMutex
    override *Type
}

func NewResolver() *Resolver {
    loc, err := time.LoadLocation("Asia/Hong_Kong")
    if err != nil {
        loc = time.FixedZone("HKT", 8*60*60)
    }
    return &Resolver{loc: loc}
}

// SetOverride pins the resolver to a fixed session type.
func (r *Resolver) SetOverride(t Type) {
    r.mu.Lock()
    r.override = &t
    r.mu.Unlock()
}

// ClearOverride returns the resolver to time-based resolution.
func (r *Resolver) ClearOverride() {
    r.mu.Lock()
    r.override = nil
    r.mu.Unlock()
}

// Override reports the current manual override, if any.
func (r *Resolver) Override() (Type, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    if r.override == nil {
        return Night, false
    }
    return *r.override, true
}

// Resolve returns the session type for now. Weekends have no night
// session, so they resolve to Day; on weekdays the day session covers
// 07:00-18:59 Hong Kong time.
func (r *Resolver) Resolve(now time.Time) Type {
    if t, ok := r.Override(); ok {
        return t
    }
    hk := now.In(r.loc)
    switch hk.Weekday() {
    case time.Saturday, time.Sunday:
        return Day
    }
    if h := hk.Hour(); h >= 7 && h < 19 {
        return Day
    }
    return Night
}
