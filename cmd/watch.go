package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/depsync/depsync/internal/config"
	"github.com/depsync/depsync/internal/service"
)

type watchParams struct {
	interval    time.Duration
	metricsAddr string
	force       bool
	prune       bool
}

func init() {
	var p watchParams

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Keep all dependencies up to date until interrupted",
		Long: `Watch updates every dependency at the configured interval and reloads the
dependency file before each round. Dependencies with local changes are skipped
unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, cfg, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer m.Close()

			interval := cfg.Interval
			if cmd.Flags().Changed("interval") {
				interval = config.Duration(p.interval)
			}

			if p.metricsAddr != "" {
				srv := serveMetrics(p.metricsAddr)
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
				}()
			}

			w := service.NewWatcher(m).
				WithInterval(interval).
				WithOptions(service.UpdateOptions{Force: p.force, Prune: p.prune})
			return w.Run(cmd.Context())
		},
	}

	watch.Flags().DurationVar(&p.interval, "interval", time.Duration(config.DefaultInterval), "time between updates")
	watch.Flags().StringVar(&p.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	watch.Flags().BoolVarP(&p.force, "force", "f", false, "overwrite local changes")
	watch.Flags().BoolVar(&p.prune, "prune", false, "delete files that are not in the repository")

	RootCommand.AddCommand(watch)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			RootCommand.PrintErrln("metrics server:", err)
		}
	}()
	return srv
}
