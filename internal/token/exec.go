package token

import (
    "context"
    "errors"
    "fmt"
    "os/exec"
    "regexp"
    "time"
)

var tokenParam = regexp.MustCompile(`token=([^&\s"']+)`)

// ExecSource shells out to an external capture harness (typically a headless
// browser script) that loads the futures page, watches network traffic and
// prints the URL of the observed derivatives request. The token is lifted
// from that URL's query string; decoding and the '+' rejection stay with the
// Provider.
type ExecSource struct {
    // Command is the harness argv; the first element is the binary.
    Command []string
    // Timeout bounds one capture run. Defaults to 60s; page load plus the
    // widget's own requests routinely take tens of seconds.
    Timeout time.Duration
}

func (s *ExecSource) Acquire(ctx context.Context) (string, error) {
    if len(s.Command) == 0 {
        return "", errors.New("token capture: no command configured")
    }
    timeout := s.Timeout
    if timeout <= 0 {
        timeout = 60 * time.Second
    }
    ctx, cancel := context.WithTimeout(ctx, timeout)
    defer cancel()

    out, err := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...).Output()
    if err != nil {
        return "", fmt.Errorf("token capture: %w", err)
    }
    m := tokenParam.FindSubmatch(out)
    if m == nil {
        return "", errors.New("token capture: no token parameter in output")
    }
    return string(m[1]), nil
}
