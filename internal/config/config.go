package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fakeyudi/capwatch/internal/fsutil"
)

// DefaultUsageURL is the account page carrying the usage meters.
const DefaultUsageURL = "https://claude.ai/settings/usage"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAPWATCH_"

// Duration is a time.Duration that reads and writes JSON as "5m", "30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are seconds.
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds all configurable capwatch settings.
type Config struct {
	UsageURL          string   `json:"usage_url,omitempty"`
	DataDir           string   `json:"data_dir,omitempty"`    // session, record and control files
	ProfileDir        string   `json:"profile_dir,omitempty"` // browser user-data dir
	PollInterval      Duration `json:"poll_interval,omitempty"`
	SessionMaxAgeDays int      `json:"session_max_age_days,omitempty"`
	MaxAttempts       int      `json:"max_attempts,omitempty"`
	BackoffBase       Duration `json:"backoff_base,omitempty"`
	BackoffCap        Duration `json:"backoff_cap,omitempty"`
	ChallengeWindow   Duration `json:"challenge_window,omitempty"`
	ChallengePoll     Duration `json:"challenge_poll,omitempty"`
	CircuitThreshold  int      `json:"circuit_threshold,omitempty"`
	CircuitCooldown   Duration `json:"circuit_cooldown,omitempty"`
	NavigationTimeout Duration `json:"navigation_timeout,omitempty"`
	PollOnceTimeout   Duration `json:"poll_once_timeout,omitempty"`
	HistoryCapacity   int      `json:"history_capacity,omitempty"`
	Headless          *bool    `json:"headless,omitempty"`
	LogLevel          string   `json:"log_level,omitempty"` // debug | info | warn | error
	LogFile           string   `json:"log_file,omitempty"`
	MetricsAddr       string   `json:"metrics_addr,omitempty"`
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	headless := true
	return Config{
		UsageURL:          DefaultUsageURL,
		PollInterval:      Duration(300 * time.Second),
		SessionMaxAgeDays: 7,
		MaxAttempts:       3,
		BackoffBase:       Duration(2 * time.Second),
		BackoffCap:        Duration(60 * time.Second),
		ChallengeWindow:   Duration(60 * time.Second),
		ChallengePoll:     Duration(2 * time.Second),
		CircuitThreshold:  5,
		CircuitCooldown:   Duration(30 * time.Minute),
		NavigationTimeout: Duration(30 * time.Second),
		PollOnceTimeout:   Duration(30 * time.Second),
		HistoryCapacity:   2016,
		Headless:          &headless,
		LogLevel:          "info",
	}
}

// SessionMaxAge converts SessionMaxAgeDays to a duration.
func (c Config) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeDays) * 24 * time.Hour
}

// IsHeadless reports whether the automated browser runs without a window.
func (c Config) IsHeadless() bool {
	return c.Headless == nil || *c.Headless
}

// ResolveDirs fills DataDir and ProfileDir from the XDG data directory when
// they are not configured.
func (c *Config) ResolveDirs() error {
	if c.DataDir == "" {
		dir, err := fsutil.DataDir()
		if err != nil {
			return fmt.Errorf("resolving data directory: %w", err)
		}
		c.DataDir = dir
	}
	if c.ProfileDir == "" {
		c.ProfileDir = filepath.Join(c.DataDir, "browser-profile")
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.UsageURL == "" {
		errs = append(errs, errors.New("usage_url must be set"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max_attempts must be at least 1"))
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		errs = append(errs, errors.New("backoff_cap must be >= backoff_base > 0"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.HistoryCapacity < 1 {
		errs = append(errs, errors.New("history_capacity must be at least 1"))
	}
	if c.CircuitThreshold < 1 {
		errs = append(errs, errors.New("circuit_threshold must be at least 1"))
	}
	if c.SessionMaxAgeDays < 0 {
		errs = append(errs, errors.New("session_max_age_days must not be negative"))
	}
	for _, d := range []struct {
		key string
		val Duration
	}{
		{"challenge_window", c.ChallengeWindow},
		{"challenge_poll", c.ChallengePoll},
		{"circuit_cooldown", c.CircuitCooldown},
		{"navigation_timeout", c.NavigationTimeout},
		{"poll_once_timeout", c.PollOnceTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	return errors.Join(errs...)
}

// GlobalPath returns the location of the user config file.
func GlobalPath() (string, error) {
	dir, err := fsutil.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LoadGlobal reads ~/.config/capwatch/config.json.
// Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	path, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile reads and parses a JSON config file at path, returning defaults
// when the file is absent.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d := Defaults()
			return &d, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Load resolves the effective configuration: defaults, then the global file,
// then CAPWATCH_* variables from dotenvPath (if present) and the process
// environment, which wins.
func Load(dotenvPath string) (Config, error) {
	global, err := LoadGlobal()
	if err != nil {
		return Config{}, err
	}
	env, err := FromEnv(dotenvPath)
	if err != nil {
		return Config{}, err
	}
	cfg := Merge(global, env)
	if err := cfg.ResolveDirs(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv builds a partial Config from CAPWATCH_* variables. Values from the
// dotenv file are used only when the process environment does not set them.
func FromEnv(dotenvPath string) (*Config, error) {
	vars := map[string]string{}
	if dotenvPath != "" {
		fileVars, err := godotenv.Read(dotenvPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, &ParseError{Path: dotenvPath, Err: err}
		}
		for k, v := range fileVars {
			if strings.HasPrefix(k, EnvPrefix) {
				vars[k] = v
			}
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			vars[k] = v
		}
	}
	return parseEnv(vars)
}

func parseEnv(vars map[string]string) (*Config, error) {
	cfg := &Config{}
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := vars[EnvPrefix+key]; ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := vars[EnvPrefix+key]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := vars[EnvPrefix+key]; ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("USAGE_URL", &cfg.UsageURL)
	str("DATA_DIR", &cfg.DataDir)
	str("PROFILE_DIR", &cfg.ProfileDir)
	dur("POLL_INTERVAL", &cfg.PollInterval)
	num("SESSION_MAX_AGE_DAYS", &cfg.SessionMaxAgeDays)
	num("MAX_ATTEMPTS", &cfg.MaxAttempts)
	dur("BACKOFF_BASE", &cfg.BackoffBase)
	dur("BACKOFF_CAP", &cfg.BackoffCap)
	dur("CHALLENGE_WINDOW", &cfg.ChallengeWindow)
	dur("CHALLENGE_POLL", &cfg.ChallengePoll)
	num("CIRCUIT_THRESHOLD", &cfg.CircuitThreshold)
	dur("CIRCUIT_COOLDOWN", &cfg.CircuitCooldown)
	dur("NAVIGATION_TIMEOUT", &cfg.NavigationTimeout)
	dur("POLL_ONCE_TIMEOUT", &cfg.PollOnceTimeout)
	num("HISTORY_CAPACITY", &cfg.HistoryCapacity)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FILE", &cfg.LogFile)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	if v, ok := vars[EnvPrefix+"HEADLESS"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sHEADLESS: %w", EnvPrefix, err))
		} else {
			cfg.Headless = &b
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge combines global and override configs, with override taking
// precedence. Missing keys fall back to global, then defaults.
func Merge(global, override *Config) Config {
	result := Defaults()
	for _, src := range []*Config{global, override} {
		if src != nil {
			apply(&result, src)
		}
	}
	return result
}

func apply(dst *Config, src *Config) {
	setStr := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	setInt := func(d *int, s int) {
		if s != 0 {
			*d = s
		}
	}
	setDur := func(d *Duration, s Duration) {
		if s != 0 {
			*d = s
		}
	}

	setStr(&dst.UsageURL, src.UsageURL)
	setStr(&dst.DataDir, src.DataDir)
	setStr(&dst.ProfileDir, src.ProfileDir)
	setDur(&dst.PollInterval, src.PollInterval)
	setInt(&dst.SessionMaxAgeDays, src.SessionMaxAgeDays)
	setInt(&dst.MaxAttempts, src.MaxAttempts)
	setDur(&dst.BackoffBase, src.BackoffBase)
	setDur(&dst.BackoffCap, src.BackoffCap)
	setDur(&dst.ChallengeWindow, src.ChallengeWindow)
	setDur(&dst.ChallengePoll, src.ChallengePoll)
	setInt(&dst.CircuitThreshold, src.CircuitThreshold)
	setDur(&dst.CircuitCooldown, src.CircuitCooldown)
	setDur(&dst.NavigationTimeout, src.NavigationTimeout)
	setDur(&dst.PollOnceTimeout, src.PollOnceTimeout)
	setInt(&dst.HistoryCapacity, src.HistoryCapacity)
	if src.Headless != nil {
		h := *src.Headless
		dst.Headless = &h
	}
	setStr(&dst.LogLevel, src.LogLevel)
	setStr(&dst.LogFile, src.LogFile)
	setStr(&dst.MetricsAddr, src.MetricsAddr)
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
