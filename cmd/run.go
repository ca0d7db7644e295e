package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/capwatch/internal/control"
	"github.com/fakeyudi/capwatch/internal/events"
	"github.com/fakeyudi/capwatch/internal/metrics"
	"github.com/fakeyudi/capwatch/internal/scheduler"
	"github.com/fakeyudi/capwatch/internal/usage"
)

var runMetricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll on a schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := GetConfig()
		if runMetricsAddr != "" {
			c.MetricsAddr = runMetricsAddr
		}
		logger := slog.Default()

		eng, err := newEngine(c)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		// After the first signal a second one kills the process.
		context.AfterFunc(ctx, stop)

		broker := events.NewBroker[usage.PollResult]()
		defer broker.Shutdown()
		go logEvents(ctx, broker, logger)

		sched := scheduler.New(eng, eng.Coordinator(), c.PollInterval.Std(), logger,
			scheduler.WithEvents(broker),
			scheduler.WithShutdownGrace(c.NavigationTimeout.Std()))

		if c.MetricsAddr != "" {
			srv := metrics.NewServer(c.MetricsAddr, func() any {
				open, _ := sched.BreakerOpen()
				return health(eng.Coordinator().State(), open, recordPath(c))
			})
			addr, errc, err := srv.Start()
			if err != nil {
				return fmt.Errorf("starting metrics server: %w", err)
			}
			logger.Info("metrics server listening", "addr", addr.String())
			go func() {
				if err := <-errc; err != nil {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Stop(sctx)
			}()
		}

		go func() {
			err := control.Watch(ctx, control.Dir(c.DataDir), func(sig control.Signal) {
				switch sig {
				case control.Refresh:
					sched.RefreshNow(ctx)
				case control.Reset:
					sched.ResetBreaker()
				}
			}, logger)
			if err != nil {
				logger.Error("control watcher stopped", "error", err)
			}
		}()

		return sched.Run(ctx)
	},
}

// logEvents writes one structured log line per published event.
func logEvents(ctx context.Context, sub events.Subscriber[usage.PollResult], logger *slog.Logger) {
	for ev := range sub.Subscribe(ctx) {
		res := ev.Payload
		attrs := []any{
			"type", ev.Type,
			"attempt_id", res.AttemptID,
			"status", res.Status,
			"found", res.FoundCount,
		}
		if ev.Type == events.ErrorEvent {
			logger.Warn("event", append(attrs, "error_kind", res.Diagnostics.ErrorKind)...)
			continue
		}
		logger.Info("event", append(attrs, "summary", res.Summary())...)
	}
}

// health is the /health body: breaker state plus the record's freshness.
func health(state any, circuitOpen bool, path string) map[string]any {
	rec := loadRecord(path)
	body := map[string]any{"status": "ok", "breaker": state, "circuit_open": circuitOpen}
	if age, ok := rec.Age(time.Now()); ok {
		body["record_age_seconds"] = int(age.Seconds())
		body["current_status"] = rec.Current.Status
	} else {
		body["status"] = "no_data"
	}
	return body
}

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve /metrics and /health on this address, e.g. 127.0.0.1:9464")
	rootCmd.AddCommand(runCmd)
}
