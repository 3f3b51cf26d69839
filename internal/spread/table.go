package spread

import (
    "sort"

    "goldspread/internal/hkex"
    "goldspread/internal/quote"
)

// Row is one computed spread for a (contract, rate) pair.
type Row struct {
    Code      string  `json:"code"`
    Name      string  `json:"name"`
    Price     float64 `json:"price"`
    UpdatedAt string  `json:"updated_at"`
    RateLabel string  `json:"rate_label"`
    Rate      float64 `json:"rate"`
    Spread    float64 `json:"spread"`
}

// CrossRows computes the contract-by-rate spread matrix for the Shanghai
// contracts against the reference (COMEX) price. selected filters the rate
// labels; nil or empty means every rate in the table. Contracts missing from
// this cycle are skipped. Rows come back sorted by code then rate label.
func CrossRows(contracts map[string]*quote.Contract, codes []string, refCode string, rates *hkex.Table, selected []string, gramsPerOunce float64) []Row {
    ref, ok := contracts[refCode]
    if !ok || rates == nil {
        return nil
    }

    labels := rates.Labels()
    if len(selected) > 0 {
        want := make(map[string]struct{}, len(selected))
        for _, s := range selected {
            want[s] = struct{}{}
        }
        kept := labels[:0]
        for _, l := range labels {
            if _, ok := want[l]; ok {
                kept = append(kept, l)
            }
        }
        labels = kept
    }

    out := make([]Row, 0, len(codes)*len(labels))
    for _, code := range codes {
        c, ok := contracts[code]
        if !ok {
            continue
        }
        for _, label := range labels {
            rate, _ := rates.Get(label)
            out = append(out, Row{
                Code:      c.Code,
                Name:      c.Name,
                Price:     c.Price,
                UpdatedAt: c.UpdatedAt,
                RateLabel: label,
                Rate:      rate,
                Spread:    Round4(Cross(c.Price, ref.Price, rate, gramsPerOunce)),
            })
        }
    }
    sort.Slice(out, func(i, j int) bool {
        if out[i].Code != out[j].Code {
            return out[i].Code < out[j].Code
        }
        return out[i].RateLabel < out[j].RateLabel
    })
    return out
}

// DirectRow computes the same-unit spread between two contracts, e.g.
// London gold against COMEX. The second return is false when either side is
// missing from the cycle.
func DirectRow(contracts map[string]*quote.Contract, aCode, bCode string) (Row, bool) {
    a, okA := contracts[aCode]
    b, okB := contracts[bCode]
    if !okA || !okB {
        return Row{}, false
    }
    return Row{
        Code:      a.Code,
        Name:      a.Name,
        Price:     a.Price,
        UpdatedAt: a.UpdatedAt,
        Spread:    Round4(Diff(a.Price, b.Price)),
    }, true
}
