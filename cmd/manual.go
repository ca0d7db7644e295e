package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/extract"
	"github.com/fakeyudi/capwatch/internal/record"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// StrategyManual names hand-entered results in their diagnostics.
const StrategyManual = "manual"

var (
	manualPercents = map[usage.ComponentID]*string{}
	manualResets   = map[usage.ComponentID]*string{}
)

var manualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Record usage figures read off the page by hand",
	Long: `Record usage figures typed in by hand when automated extraction is not
possible. Values are given as flags or, with no flags, answered at prompts.
Blank answers skip a component. Entries are stored with fallback confidence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := GetConfig()
		now := time.Now()

		var comps []usage.Component
		var err error
		if anyManualFlag() {
			comps, err = manualFromFlags(now)
		} else {
			comps, err = manualFromPrompts(cmd.InOrStdin(), cmd.OutOrStdout(), now)
		}
		if err != nil {
			return err
		}
		if len(comps) == 0 {
			return errors.New("nothing to record")
		}

		res := usage.NewResult(uuid.NewString(), comps, usage.Diagnostics{
			StrategiesTried: []string{StrategyManual},
			UsedFallback:    true,
		}, now)
		w := record.NewWriter(recordPath(c), c.HistoryCapacity, version, slog.Default())
		if err := w.Commit(res); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Summary())
		return nil
	},
}

func anyManualFlag() bool {
	for _, id := range usage.ComponentIDs {
		if *manualPercents[id] != "" {
			return true
		}
	}
	return false
}

func manualFromFlags(now time.Time) ([]usage.Component, error) {
	var comps []usage.Component
	for _, id := range usage.ComponentIDs {
		if *manualPercents[id] == "" {
			continue
		}
		c, err := manualComponent(id, *manualPercents[id], *manualResets[id], now)
		if err != nil {
			return nil, err
		}
		comps = append(comps, c)
	}
	return comps, nil
}

func manualFromPrompts(in io.Reader, out io.Writer, now time.Time) ([]usage.Component, error) {
	r := bufio.NewReader(in)
	ask := func(prompt string) (string, error) {
		fmt.Fprintf(out, "%s: ", prompt)
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	var comps []usage.Component
	for _, id := range usage.ComponentIDs {
		pct, err := ask(id.Label() + " % used (blank to skip)")
		if err != nil {
			return nil, err
		}
		if pct == "" {
			continue
		}
		reset, err := ask("  reset text, e.g. \"Resets in 3 hr\" (optional)")
		if err != nil {
			return nil, err
		}
		c, err := manualComponent(id, pct, reset, now)
		if err != nil {
			return nil, err
		}
		comps = append(comps, c)
	}
	return comps, nil
}

func manualComponent(id usage.ComponentID, pct, reset string, now time.Time) (usage.Component, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(pct), "%"))
	if err != nil || n < 0 || n > 100 {
		return usage.Component{}, fmt.Errorf("%s: %q is not a percentage between 0 and 100", id.Label(), pct)
	}
	reset = strings.TrimSpace(reset)
	return usage.Component{
		ID:             id,
		Percent:        n,
		RawPercentText: fmt.Sprintf("manual: %d%%", n),
		ResetAt:        extract.ParseReset(reset, now),
		RawResetText:   reset,
		Confidence:     usage.ConfidenceFallback,
	}, nil
}

func init() {
	flags := manualCmd.Flags()
	for _, f := range []struct {
		id   usage.ComponentID
		name string
	}{
		{usage.CurrentSession, "current-session"},
		{usage.WeeklyAllModels, "all-models"},
		{usage.WeeklyOpus, "opus"},
	} {
		manualPercents[f.id] = flags.String(f.name, "", f.id.Label()+" percent used (0-100)")
		manualResets[f.id] = flags.String(f.name+"-reset", "", f.id.Label()+" reset text as shown on the page")
	}
	rootCmd.AddCommand(manualCmd)
}
