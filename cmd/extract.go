package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/extract"
	"github.com/fakeyudi/capwatch/internal/page"
)

var (
	extractJSON     bool
	extractDiscover bool
)

var extractCmd = &cobra.Command{
	Use:   "extract <file.html>",
	Short: "Run the extraction pipeline against a saved copy of the usage page",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file not found: %s", path)
			}
			return err
		}
		abs, _ := filepath.Abs(path)
		h := page.FromHTML("file://"+abs, string(data))

		res, err := extract.New(slog.Default()).Run(cmd.Context(), h)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if extractJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		fmt.Fprintf(out, "Status:     %s (%d found)\n", res.Status, res.FoundCount)
		fmt.Fprintf(out, "Strategies: %s\n", strings.Join(res.Diagnostics.StrategiesTried, ", "))
		fmt.Fprintf(out, "Fallback:   %t\n", res.Diagnostics.UsedFallback)
		for _, c := range res.Components {
			reset := "-"
			if c.ResetAt != nil {
				reset = c.ResetAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(out, "  %-18s %3d%%  %-8s reset=%s  raw=%q %q\n",
				c.ID, c.Percent, c.Confidence, reset, c.RawPercentText, c.RawResetText)
		}

		if extractDiscover {
			nodes, err := extract.Discover(cmd.Context(), h)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nPercent-bearing elements (%d):\n", len(nodes))
			for _, n := range nodes {
				fmt.Fprintf(out, "  <%s class=%q> %s\n", n.Tag, n.Attrs["class"], n.Text)
			}
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "print the poll result as JSON")
	extractCmd.Flags().BoolVar(&extractDiscover, "discover", false, "list every element carrying a percentage")
	rootCmd.AddCommand(extractCmd)
}
