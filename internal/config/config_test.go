package config

import (
    "os"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
    cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
    require.NoError(t, err)
    assert.Equal(t, "8080", cfg.Server.Port)
    assert.Equal(t, 10, cfg.HKEX.MaxAttempts)
    assert.Equal(t, "JO_12552", cfg.Spread.ReferenceCode)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
    path := filepath.Join(t.TempDir(), "config.json")
    body := `{
        "server": {"port": "9090", "request_timeout_sec": 5},
        "hkex": {"max_attempts": 3, "lang": "eng"},
        "quote": {"contracts": [{"code": "JO_1", "name": "one"}]}
    }`
    require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

    cfg, err := Load(path)
    require.NoError(t, err)
    assert.Equal(t, "9090", cfg.Server.Port)
    assert.Equal(t, 3, cfg.HKEX.MaxAttempts)
    assert.Equal(t, "eng", cfg.HKEX.Lang)
    assert.Equal(t, []string{"JO_1"}, cfg.Quote.Codes())
    // Sections absent from the file keep their defaults.
    assert.Equal(t, "CUS", cfg.HKEX.Instrument)
}

func TestLoad_BadJSON(t *testing.T) {
    path := filepath.Join(t.TempDir(), "config.json")
    require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))
    _, err := Load(path)
    assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
    t.Setenv("PORT", "7070")
    t.Setenv("TOKEN_COMMAND", "node, capture.js, --headless")
    t.Setenv("TOKEN_ATTEMPTS", "5")
    t.Setenv("CNH_ENABLED", "true")
    t.Setenv("CNH_API_KEY", "k-123")
    t.Setenv("HKEX_MAX_ATTEMPTS", "junk")

    cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
    require.NoError(t, err)
    assert.Equal(t, "7070", cfg.Server.Port)
    assert.Equal(t, []string{"node", "capture.js", "--headless"}, cfg.Token.Command)
    assert.Equal(t, 5, cfg.Token.Attempts)
    assert.True(t, cfg.CNH.Enabled)
    assert.Equal(t, "k-123", cfg.CNH.APIKey)
    // Unparsable numeric env values leave the default in place.
    assert.Equal(t, 10, cfg.HKEX.MaxAttempts)
}

func TestCodes_Order(t *testing.T) {
    cfg := Default()
    assert.Equal(t, []string{"JO_165751", "JO_165753", "JO_165755", "JO_92233", "JO_12552"}, cfg.Quote.Codes())
}
