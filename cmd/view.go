package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/control"
	"github.com/fakeyudi/capwatch/internal/report"
	"github.com/fakeyudi/capwatch/internal/tui"
)

var plainOutput bool

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Watch the usage record in a terminal UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := GetConfig()
		path := recordPath(c)

		if plainOutput {
			out, err := (&report.TextRenderer{}).Render(&report.Report{
				GeneratedAt: time.Now(),
				RecordPath:  path,
				Record:      loadRecord(path),
			})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		}

		refresh := func() error { return control.Trigger(control.Dir(c.DataDir), control.Refresh) }
		return tui.Run(path, refresh)
	},
}

func init() {
	viewCmd.Flags().BoolVar(&plainOutput, "plain", false, "plain text output instead of TUI")
	rootCmd.AddCommand(viewCmd)
}
