package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Config merge precedence: override beats global beats defaults.
func TestConfigMergePrecedence(t *testing.T) {
	nonEmptyString := rapid.StringMatching(`[a-zA-Z0-9/_.:-]{1,20}`)

	configGen := rapid.Custom(func(t *rapid.T) *Config {
		cfg := &Config{}
		if rapid.Bool().Draw(t, "hasUsageURL") {
			cfg.UsageURL = nonEmptyString.Draw(t, "usageURL")
		}
		if rapid.Bool().Draw(t, "hasDataDir") {
			cfg.DataDir = nonEmptyString.Draw(t, "dataDir")
		}
		if rapid.Bool().Draw(t, "hasMaxAttempts") {
			cfg.MaxAttempts = rapid.IntRange(1, 10).Draw(t, "maxAttempts")
		}
		if rapid.Bool().Draw(t, "hasPollInterval") {
			cfg.PollInterval = Duration(rapid.Int64Range(1, 3600).Draw(t, "pollSecs")) * Duration(time.Second)
		}
		return cfg
	})

	rapid.Check(t, func(t *rapid.T) {
		global := configGen.Draw(t, "global")
		override := configGen.Draw(t, "override")

		merged := Merge(global, override)
		defaults := Defaults()

		checkField(t, "UsageURL", global.UsageURL, override.UsageURL, defaults.UsageURL, merged.UsageURL)
		checkField(t, "DataDir", global.DataDir, override.DataDir, defaults.DataDir, merged.DataDir)
		checkField(t, "MaxAttempts", global.MaxAttempts, override.MaxAttempts, defaults.MaxAttempts, merged.MaxAttempts)
		checkField(t, "PollInterval", global.PollInterval, override.PollInterval, defaults.PollInterval, merged.PollInterval)
	})
}

// checkField asserts the merge precedence rule for a single field:
//   - override set → merged == override
//   - only global set → merged == global
//   - neither set → merged == default
func checkField[T comparable](t *rapid.T, name string, globalVal, overrideVal, defaultVal, mergedVal T) {
	t.Helper()
	var zero T
	switch {
	case overrideVal != zero:
		if mergedVal != overrideVal {
			t.Fatalf("%s: expected override value %v, got %v", name, overrideVal, mergedVal)
		}
	case globalVal != zero:
		if mergedVal != globalVal {
			t.Fatalf("%s: expected global value %v, got %v", name, globalVal, mergedVal)
		}
	default:
		if mergedVal != defaultVal {
			t.Fatalf("%s: expected default %v, got %v", name, defaultVal, mergedVal)
		}
	}
}

func TestDefaultsValues(t *testing.T) {
	d := Defaults()
	require.Equal(t, 300*time.Second, d.PollInterval.Std())
	require.Equal(t, 7*24*time.Hour, d.SessionMaxAge())
	require.Equal(t, 3, d.MaxAttempts)
	require.Equal(t, 60*time.Second, d.ChallengeWindow.Std())
	require.Equal(t, 2*time.Second, d.ChallengePoll.Std())
	require.Equal(t, 5, d.CircuitThreshold)
	require.Equal(t, 2016, d.HistoryCapacity)
	require.True(t, d.IsHeadless())
	require.NoError(t, d.Validate())
}

func TestLoadGlobalMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := LoadGlobal()
	require.NoError(t, err)
	require.Equal(t, Defaults().PollInterval, cfg.PollInterval)
}

func TestLoadGlobalParsesDurations(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	dir := filepath.Join(tmp, "capwatch")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := `{"poll_interval": "10m", "backoff_cap": 90, "headless": false}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644))

	cfg, err := LoadGlobal()
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, cfg.PollInterval.Std())
	require.Equal(t, 90*time.Second, cfg.BackoffCap.Std())

	merged := Merge(cfg, nil)
	require.False(t, merged.IsHeadless())
	require.Equal(t, 3, merged.MaxAttempts)
}

func TestLoadGlobalParseError(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	dir := filepath.Join(tmp, "capwatch")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{invalid json"), 0o644))

	_, err := LoadGlobal()
	require.Error(t, err)
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr), "expected *ParseError, got %T", err)
	require.Contains(t, err.Error(), "config.json")
}

func TestFromEnvProcessWinsOverDotenv(t *testing.T) {
	dotenv := filepath.Join(t.TempDir(), ".env")
	content := "CAPWATCH_MAX_ATTEMPTS=7\nCAPWATCH_POLL_INTERVAL=2m\nUNRELATED=1\n"
	require.NoError(t, os.WriteFile(dotenv, []byte(content), 0o600))
	t.Setenv("CAPWATCH_POLL_INTERVAL", "90s")
	t.Setenv("CAPWATCH_HEADLESS", "false")

	cfg, err := FromEnv(dotenv)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxAttempts)
	require.Equal(t, 90*time.Second, cfg.PollInterval.Std())
	require.NotNil(t, cfg.Headless)
	require.False(t, *cfg.Headless)
}

func TestFromEnvMissingDotenvIsIgnored(t *testing.T) {
	cfg, err := FromEnv(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("CAPWATCH_MAX_ATTEMPTS", "many")
	t.Setenv("CAPWATCH_BACKOFF_BASE", "soon")

	_, err := FromEnv("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "CAPWATCH_MAX_ATTEMPTS")
	require.Contains(t, err.Error(), "CAPWATCH_BACKOFF_BASE")
}

func TestLoadResolvesDirs(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(tmp, "data", "capwatch"), cfg.DataDir)
	require.Equal(t, filepath.Join(tmp, "data", "capwatch", "browser-profile"), cfg.ProfileDir)
}

func TestDurationJSONRoundTrip(t *testing.T) {
	in := Config{PollInterval: Duration(5 * time.Minute)}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(data), `"poll_interval":"5m0s"`)

	var out Config
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in.PollInterval, out.PollInterval)
}

func TestValidateRejectsInvertedBackoff(t *testing.T) {
	c := Defaults()
	c.BackoffCap = Duration(time.Second)
	c.BackoffBase = Duration(2 * time.Second)
	require.ErrorContains(t, c.Validate(), "backoff_cap")
}

func TestValidateRejectsNonPositiveTimings(t *testing.T) {
	cases := []struct {
		key string
		mut func(*Config)
	}{
		{"challenge_window", func(c *Config) { c.ChallengeWindow = 0 }},
		{"challenge_poll", func(c *Config) { c.ChallengePoll = Duration(-time.Second) }},
		{"circuit_cooldown", func(c *Config) { c.CircuitCooldown = Duration(-time.Minute) }},
		{"navigation_timeout", func(c *Config) { c.NavigationTimeout = 0 }},
		{"poll_once_timeout", func(c *Config) { c.PollOnceTimeout = Duration(-1) }},
		{"session_max_age_days", func(c *Config) { c.SessionMaxAgeDays = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			c := Defaults()
			tc.mut(&c)
			require.ErrorContains(t, c.Validate(), tc.key)
		})
	}
}

func TestNegativeChallengePollFromEnvFailsValidation(t *testing.T) {
	t.Setenv("CAPWATCH_CHALLENGE_POLL", "-2s")
	env, err := FromEnv("")
	require.NoError(t, err)
	d := Defaults()
	cfg := Merge(&d, env)
	require.ErrorContains(t, cfg.Validate(), "challenge_poll must be positive")
}
