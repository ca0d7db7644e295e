package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/control"
)

var resetSession bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Close the circuit breaker of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := GetConfig()
		if resetSession {
			store, err := openSessions(c)
			if err != nil {
				return err
			}
			if err := store.Invalidate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stored session removed.")
		}
		if err := control.Trigger(control.Dir(c.DataDir), control.Reset); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Reset requested.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetSession, "session", false, "also discard the stored session")
	rootCmd.AddCommand(resetCmd)
}
