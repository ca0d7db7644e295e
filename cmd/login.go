package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/control"
	"github.com/fakeyudi/capwatch/internal/engine"
)

var loginTimeout time.Duration

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in through a visible browser window and store the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(os.Stdin.Fd()) {
			return errors.New("login needs an interactive terminal: run it in the foreground")
		}
		eng, err := newEngine(GetConfig())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "A browser window will open. Sign in, then wait for this command to finish.")
		s, err := eng.Login(cmd.Context(), loginTimeout)
		if err != nil {
			return err
		}

		// A running daemon closes its breaker once it sees the new session.
		if err := control.Trigger(control.Dir(GetConfig().DataDir), control.Reset); err != nil {
			slog.Warn("could not signal running daemon", "error", err)
		}

		fmt.Fprintf(out, "Session captured at %s.\n", s.CapturedAt.Local().Format(time.RFC1123))
		if r := eng.CheckSession(); r.ExpiresAt != nil {
			fmt.Fprintf(out, "It will be treated as expired after %s.\n", r.ExpiresAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", engine.DefaultLoginTimeout, "how long to wait for sign-in")
	rootCmd.AddCommand(loginCmd)
}
