package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"erpcore/internal/core"
	"erpcore/internal/logger"
	"erpcore/internal/server"
	"erpcore/pkg/domain"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatcher over HTTP",
		Long: `Serve the action-based request contract over HTTP.

  POST /v1/{entities|relationships|transactions}
  GET  /v1/operations
  GET  /healthz
  GET  /metrics`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics, err := core.NewPrometheusMetrics(reg)
			if err != nil {
				return err
			}
			svc, err := a.openService(ctx, core.WithMetrics(metrics))
			if err != nil {
				return err
			}
			defer closeStore(svc, &err)

			srv := server.New(core.NewDispatcher(svc), a.cfg.HTTP,
				server.WithGatherer(reg),
				server.WithAccessLog(cmd.ErrOrStderr()),
				server.WithLogger(logger.NewAdapter(a.log)),
				server.WithHealthCheck(func(ctx context.Context) error {
					return svc.Store().View(ctx, func(v domain.TransactionView) error {
						_, err := v.ListOrganizations()
						return err
					})
				}),
			)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&a.listenOverride, "listen", "", "override http.listen")
	cmd.PreRun = func(*cobra.Command, []string) {
		if a.listenOverride != "" {
			a.cfg.HTTP.Listen = a.listenOverride
		}
	}
	return cmd
}
