package hkex

import (
    "bytes"
    "encoding/json"
)

// Table is an exchange-rate table keyed by the contract label the server
// returned. Insertion order mirrors server response order and survives JSON
// marshalling. Tables are replaced wholesale every refresh cycle.
type Table struct {
    labels []string
    values map[string]float64
}

func NewTable() *Table {
    return &Table{values: make(map[string]float64)}
}

// Set stores a rate, appending the label on first sight.
func (t *Table) Set(label string, v float64) {
    if _, ok := t.values[label]; !ok {
        t.labels = append(t.labels, label)
    }
    t.values[label] = v
}

func (t *Table) Get(label string) (float64, bool) {
    v, ok := t.values[label]
    return v, ok
}

func (t *Table) Len() int { return len(t.labels) }

// Labels returns the labels in server response order.
func (t *Table) Labels() []string {
    out := make([]string, len(t.labels))
    copy(out, t.labels)
    return out
}

// MarshalJSON emits an object whose keys keep insertion order.
func (t *Table) MarshalJSON() ([]byte, error) {
    var buf bytes.Buffer
    buf.WriteByte('{')
    for i, label := range t.labels {
        if i > 0 {
            buf.WriteByte(',')
        }
        k, err := json.Marshal(label)
        if err != nil {
            return nil, err
        }
        v, err := json.Marshal(t.values[label])
        if err != nil {
            return nil, err
        }
        buf.Write(k)
        buf.WriteByte(':')
        buf.Write(v)
    }
    buf.WriteByte('}')
    return buf.Bytes(), nil
}
