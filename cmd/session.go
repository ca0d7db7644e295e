package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/classify"
	"github.com/fakeyudi/capwatch/internal/report"
)

var sessionJSON bool

var checkSessionCmd = &cobra.Command{
	Use:   "check-session",
	Short: "Report whether a usable session is stored, without touching the network",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSessions(GetConfig())
		if err != nil {
			return err
		}
		r := store.Check()

		out := cmd.OutOrStdout()
		if sessionJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(r); err != nil {
				return err
			}
		} else {
			switch {
			case r.Corrupt:
				fmt.Fprintln(out, "session: corrupt")
			case !r.Present:
				fmt.Fprintln(out, "session: none")
			case !r.Fresh:
				fmt.Fprintf(out, "session: expired (captured %s)\n", report.HumanizeAge(r.Age))
			default:
				fmt.Fprintf(out, "session: fresh (captured %s)\n", report.HumanizeAge(r.Age))
				if r.ExpiresAt != nil {
					fmt.Fprintf(out, "expires: %s\n", r.ExpiresAt.Local().Format(time.RFC3339))
				}
			}
		}

		switch {
		case !r.Present:
			return classify.Errorf(classify.SessionRequired, "no usable session stored, run `capwatch login`")
		case !r.Fresh:
			return classify.Errorf(classify.SessionExpired, "stored session expired, run `capwatch login`")
		}
		return nil
	},
}

func init() {
	checkSessionCmd.Flags().BoolVar(&sessionJSON, "json", false, "print the session report as JSON")
	rootCmd.AddCommand(checkSessionCmd)
}
