package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/report"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last recorded usage and session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		renderer, err := report.ForFormat(statusFormat)
		if err != nil {
			return err
		}
		c := GetConfig()
		rep := &report.Report{
			GeneratedAt: time.Now(),
			RecordPath:  recordPath(c),
			Record:      loadRecord(recordPath(c)),
		}
		if store, err := openSessions(c); err == nil {
			r := store.Check()
			rep.Session = &r
		}

		out, err := renderer.Render(rep)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text, markdown or json")
	rootCmd.AddCommand(statusCmd)
}
