package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/capwatch/internal/classify"
	"github.com/fakeyudi/capwatch/internal/config"
	"github.com/fakeyudi/capwatch/internal/engine"
	"github.com/fakeyudi/capwatch/internal/page"
	"github.com/fakeyudi/capwatch/internal/record"
	"github.com/fakeyudi/capwatch/internal/session"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// executeCommand runs root with args and returns combined stdout/stderr.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	_, err = root.ExecuteC()
	return buf.String(), err
}

// resetFlags restores flag defaults between executions of the shared root.
func resetFlags() {
	flagEnvFile, flagDataDir, flagLogLevel, flagLogFile = ".env", "", "", ""
	pollJSON, sessionJSON, plainOutput, resetSession = false, false, false, false
	extractJSON, extractDiscover = false, false
	statusFormat = "text"
	runMetricsAddr = ""
	loginTimeout = engine.DefaultLoginTimeout
	for _, id := range usage.ComponentIDs {
		*manualPercents[id], *manualResets[id] = "", ""
	}
}

// isolate points every XDG directory at a fresh temp dir and returns the
// resolved data directory.
func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Chdir(tmp)
	resetFlags()
	return filepath.Join(tmp, "data", "capwatch")
}

type staticPage struct{ *page.Static }

func (staticPage) Close() error { return nil }

// serve makes the engine see html instead of launching a browser.
func serve(t *testing.T, html string) {
	t.Helper()
	orig := newLauncher
	newLauncher = func(c config.Config, _ *slog.Logger) engine.Launcher {
		return func(context.Context, bool) (engine.Page, error) {
			return staticPage{page.FromHTML(c.UsageURL, html)}, nil
		}
	}
	t.Cleanup(func() { newLauncher = orig })
}

func saveSession(t *testing.T, dataDir string) {
	t.Helper()
	store, err := session.NewStore(dataDir, 7*24*time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(session.New(json.RawMessage(`[{"name":"sessionKey","value":"x"}]`), "", time.Now())))
}

func row(label, reset, percentText string) string {
	return fmt.Sprintf(`<div class="flex">
  <div><p class="text-text-500 whitespace-nowrap text-sm">%s</p>
  <p class="text-text-500 whitespace-nowrap text-sm">%s</p></div>
  <span class="text-text-300 whitespace-nowrap w-20 text-right">%s</span>
</div>`, label, reset, percentText)
}

var usageHTML = "<html><body><main><section>" + strings.Join([]string{
	row("Current session", "Resets in 4 hr 12 min", "3% used"),
	row("All models", "Resets Thu 9:00 AM", "36% used"),
	row("Opus only", "Resets Mar 15, 7:30 PM", "19% used"),
}, "\n") + "</section></main></body></html>"

func TestExitCode(t *testing.T) {
	require.Equal(t, ExitOK, ExitCode(nil))
	require.Equal(t, ExitLoginRequired, ExitCode(classify.Errorf(classify.SessionRequired, "none")))
	require.Equal(t, ExitLoginRequired, ExitCode(fmt.Errorf("poll: %w", classify.Errorf(classify.SessionExpired, "old"))))
	require.Equal(t, ExitFailure, ExitCode(classify.Errorf(classify.Fatal, "crash")))
	require.Equal(t, ExitFailure, ExitCode(fmt.Errorf("failed after 3 attempts: %w", classify.Errorf(classify.NavigationFailed, "offline"))))
	require.Equal(t, ExitFailure, ExitCode(errors.New("plain")))
}

func TestCheckSessionWithoutSession(t *testing.T) {
	isolate(t)
	out, err := executeCommand(rootCmd, "check-session")
	require.Error(t, err)
	require.Equal(t, ExitLoginRequired, ExitCode(err))
	require.Contains(t, out, "session: none")
}

func TestCheckSessionFresh(t *testing.T) {
	dataDir := isolate(t)
	saveSession(t, dataDir)

	out, err := executeCommand(rootCmd, "check-session", "--json", "--log-level", "error")
	require.NoError(t, err)

	var r session.Report
	require.NoError(t, json.NewDecoder(strings.NewReader(out)).Decode(&r))
	require.True(t, r.Present)
	require.True(t, r.Fresh)
}

func TestPollOnceRecordsAndStatusShowsIt(t *testing.T) {
	dataDir := isolate(t)
	saveSession(t, dataDir)
	serve(t, usageHTML)

	out, err := executeCommand(rootCmd, "poll-once")
	require.NoError(t, err)
	require.Contains(t, out, "ok current_session=3% weekly_all_models=36% weekly_opus=19%")
	require.FileExists(t, filepath.Join(dataDir, "usage.json"))

	resetFlags()
	out, err = executeCommand(rootCmd, "status")
	require.NoError(t, err)
	require.Contains(t, out, "Usage (ok, updated just now)")
	require.Contains(t, out, "Session: ok")

	resetFlags()
	out, err = executeCommand(rootCmd, "status", "--format", "markdown")
	require.NoError(t, err)
	require.Contains(t, out, "| All models | 36% |")
}

func TestPollOnceWithoutSessionExitsForLogin(t *testing.T) {
	isolate(t)
	serve(t, usageHTML)

	out, err := executeCommand(rootCmd, "poll-once", "--json")
	require.Error(t, err)
	require.Equal(t, ExitLoginRequired, ExitCode(err))
	require.Contains(t, out, `"error_kind": "session_required"`)
}

func TestPollOnceExtractionFailureExitsOne(t *testing.T) {
	dataDir := isolate(t)
	saveSession(t, dataDir)
	serve(t, "<html><body><main>Nothing to see</main></body></html>")
	t.Setenv("CAPWATCH_MAX_ATTEMPTS", "1")

	_, err := executeCommand(rootCmd, "poll-once")
	require.Error(t, err)
	require.Equal(t, classify.ExtractionFailed, classify.KindOf(err))
	require.Equal(t, ExitFailure, ExitCode(err))
}

func TestStatusRejectsUnknownFormat(t *testing.T) {
	isolate(t)
	_, err := executeCommand(rootCmd, "status", "--format", "yaml")
	require.ErrorContains(t, err, "unknown format")
}

func TestViewPlainWithoutData(t *testing.T) {
	isolate(t)
	out, err := executeCommand(rootCmd, "view", "--plain")
	require.NoError(t, err)
	require.Contains(t, out, "No usage data yet.")
}

func TestResetRaisesTrigger(t *testing.T) {
	dataDir := isolate(t)
	saveSession(t, dataDir)

	out, err := executeCommand(rootCmd, "reset", "--session")
	require.NoError(t, err)
	require.Contains(t, out, "Reset requested.")
	require.FileExists(t, filepath.Join(dataDir, "control", "reset"))
	require.NoFileExists(t, filepath.Join(dataDir, "session.json"))
}

func TestExtractCommand(t *testing.T) {
	isolate(t)
	file := filepath.Join(t.TempDir(), "usage.html")
	require.NoError(t, os.WriteFile(file, []byte(usageHTML), 0o644))

	out, err := executeCommand(rootCmd, "extract", file, "--discover")
	require.NoError(t, err)
	require.Contains(t, out, "Status:     ok (3 found)")
	require.Contains(t, out, "structural_anchor")
	require.Contains(t, out, "weekly_opus")
	require.Contains(t, out, "Percent-bearing elements")
	require.Contains(t, out, "36% used")
}

func TestExtractMissingFile(t *testing.T) {
	isolate(t)
	missing := filepath.Join(t.TempDir(), "nope.html")
	_, err := executeCommand(rootCmd, "extract", missing)
	require.ErrorContains(t, err, "file not found: "+missing)
}

func TestLoginRefusesWithoutTerminal(t *testing.T) {
	if term.IsTerminal(os.Stdin.Fd()) {
		t.Skip("stdin is a terminal")
	}
	isolate(t)
	_, err := executeCommand(rootCmd, "login")
	require.ErrorContains(t, err, "interactive terminal")
}

func TestDotenvAndFlagsFeedConfig(t *testing.T) {
	isolate(t)
	envFile := filepath.Join(t.TempDir(), "capwatch.env")
	require.NoError(t, os.WriteFile(envFile, []byte("CAPWATCH_POLL_INTERVAL=10m\n"), 0o600))
	dataDir := filepath.Join(t.TempDir(), "elsewhere")

	_, err := executeCommand(rootCmd, "status", "--env-file", envFile, "--data-dir", dataDir)
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, GetConfig().PollInterval.Std())
	require.Equal(t, dataDir, GetConfig().DataDir)
	require.Equal(t, filepath.Join(dataDir, "browser-profile"), GetConfig().ProfileDir)
}

func readRecord(t *testing.T, dataDir string) *record.Record {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dataDir, "usage.json"))
	require.NoError(t, err)
	rec, err := record.Decode(b)
	require.NoError(t, err)
	return rec
}

func TestManualFromFlags(t *testing.T) {
	dataDir := isolate(t)

	out, err := executeCommand(rootCmd, "manual", "--current-session", "42%", "--current-session-reset", "Resets in 2 hr", "--opus", "7")
	require.NoError(t, err)
	require.Contains(t, out, "partial current_session=42% weekly_opus=7%")

	rec := readRecord(t, dataDir)
	require.NotNil(t, rec.Current)
	require.True(t, rec.Current.Diagnostics.UsedFallback)
	require.Equal(t, []string{StrategyManual}, rec.Current.Diagnostics.StrategiesTried)
	c, ok := rec.Current.Component(usage.CurrentSession)
	require.True(t, ok)
	require.Equal(t, usage.ConfidenceFallback, c.Confidence)
	require.Equal(t, "manual: 42%", c.RawPercentText)
	require.NotNil(t, c.ResetAt)
	require.WithinDuration(t, time.Now().Add(2*time.Hour), *c.ResetAt, time.Minute)
	require.Len(t, rec.History, 1)
}

func TestManualRejectsOutOfRange(t *testing.T) {
	dataDir := isolate(t)

	_, err := executeCommand(rootCmd, "manual", "--all-models", "140")
	require.ErrorContains(t, err, "between 0 and 100")
	require.NoFileExists(t, filepath.Join(dataDir, "usage.json"))
}

func TestManualPromptsWithoutFlags(t *testing.T) {
	dataDir := isolate(t)
	rootCmd.SetIn(strings.NewReader("12\n\n\n55\nResets in 30 min\n"))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	out, err := executeCommand(rootCmd, "manual")
	require.NoError(t, err)
	require.Contains(t, out, "Current session % used (blank to skip): ")
	require.Contains(t, out, "partial current_session=12% weekly_opus=55%")

	rec := readRecord(t, dataDir)
	_, ok := rec.Current.Component(usage.WeeklyAllModels)
	require.False(t, ok)
	c, ok := rec.Current.Component(usage.WeeklyOpus)
	require.True(t, ok)
	require.Equal(t, "Resets in 30 min", c.RawResetText)
}

func TestManualWithNothingEntered(t *testing.T) {
	isolate(t)
	rootCmd.SetIn(strings.NewReader(""))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	_, err := executeCommand(rootCmd, "manual")
	require.ErrorContains(t, err, "nothing to record")
}
