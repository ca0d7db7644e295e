package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/scheduler"
)

var pollJSON bool

var pollOnceCmd = &cobra.Command{
	Use:   "poll-once",
	Short: "Make a single extraction attempt, record it and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := GetConfig()
		eng, err := newEngine(c)
		if err != nil {
			return err
		}

		sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(sigCtx, c.PollOnceTimeout.Std())
		defer cancel()

		sched := scheduler.New(eng, eng.Coordinator(), c.PollInterval.Std(), slog.Default())
		res, err := sched.RunOnce(ctx)

		out := cmd.OutOrStdout()
		if pollJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return encErr
			}
		} else {
			fmt.Fprintln(out, res.Summary())
		}
		return err
	},
}

func init() {
	pollOnceCmd.Flags().BoolVar(&pollJSON, "json", false, "print the full poll result as JSON")
	rootCmd.AddCommand(pollOnceCmd)
}
