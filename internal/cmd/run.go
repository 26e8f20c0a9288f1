package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/agentwarden/internal/orchestrator/completion"
	"github.com/Iron-Ham/agentwarden/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor loop",
	Long: `Run the supervisor until interrupted.

Completions are scanned every poll interval, and early when a completion
summary is written. Timed-out and dead agents are checked every maintenance
interval. Set metrics.addr (or --metrics-addr) to expose Prometheus metrics.`,
	RunE: runRun,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run each reconciliation pass once and exit",
	RunE:  runOnce,
}

var onceSkipMaintenance bool

func init() {
	runCmd.Flags().String("metrics-addr", "", "listen address for /metrics (e.g. :9464)")
	_ = viper.BindPFlag("metrics.addr", runCmd.Flags().Lookup("metrics-addr"))

	onceCmd.Flags().BoolVar(&onceSkipMaintenance, "completions-only", false, "skip the stuck and dead agent checks")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	rt := a.runtime()
	defer rt.Close()

	opts := []supervisor.Option{
		supervisor.WithIntervals(a.cfg.Orchestrator.PollInterval(), a.cfg.Orchestrator.MaintenanceInterval()),
		supervisor.WithGuardJanitor(rt.Guard()),
		supervisor.WithObserver(a.metrics),
		supervisor.WithLogger(a.logger),
	}

	if a.cfg.Orchestrator.WatchCompletions && a.cfg.Completion.Backend == completion.BackendFilesystem {
		w, err := completion.NewWatcher(a.baseDir, a.cfg.Paths.NexusDir, a.logger)
		if err != nil {
			a.logger.Warn("completion watcher unavailable, polling only", "error", err)
		} else if err := w.Start(); err != nil {
			a.logger.Warn("completion watcher failed to start, polling only", "error", err)
		} else {
			defer w.Stop()
			opts = append(opts, supervisor.WithWake(w.C()))
		}
	}

	if addr := a.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(a), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "addr", addr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.logger.Info("metrics endpoint listening", "addr", addr)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "agentwarden supervising %s (log: %s)\n", a.baseDir, a.stateDir)
	return supervisor.New(a.orchestrator(rt), a.baseDir, opts...).Run(ctx)
}

func metricsMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	rt := a.runtime()
	defer rt.Close()

	loop := supervisor.New(a.orchestrator(rt), a.baseDir, supervisor.WithLogger(a.logger))
	if err := loop.RunOnce(ctx, !onceSkipMaintenance); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d completion(s) handled\n", okStyle.Render("✓"), loop.Seen())
	return nil
}
