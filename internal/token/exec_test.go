package token

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestExecSource_ExtractsToken(t *testing.T) {
    t.Parallel()

    src := &ExecSource{Command: []string{
        "echo",
        "https://www1.hkex.com.hk/hkexwidget/data/getderivativesfutures?lang=chi&token=abc%2F123&ats=CUS",
    }}
    tok, err := src.Acquire(context.Background())
    require.NoError(t, err)
    assert.Equal(t, "abc%2F123", tok)
}

func TestExecSource_NoTokenInOutput(t *testing.T) {
    t.Parallel()

    src := &ExecSource{Command: []string{"echo", "page loaded, nothing captured"}}
    _, err := src.Acquire(context.Background())
    assert.Error(t, err)
}

func TestExecSource_NoCommand(t *testing.T) {
    t.Parallel()

    src := &ExecSource{}
    _, err := src.Acquire(context.Background())
    assert.Error(t, err)
}

func TestExecSource_Timeout(t *testing.T) {
    t.Parallel()

    src := &ExecSource{Command: []string{"sleep", "10"}, Timeout: 50 * time.Millisecond}
    start := time.Now()
    _, err := src.Acquire(context.Background())
    assert.Error(t, err)
    assert.Less(t, time.Since(start), 5*time.Second)
}
