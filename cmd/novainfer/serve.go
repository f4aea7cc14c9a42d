package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oriys/novainfer/internal/logging"
	"github.com/oriys/novainfer/internal/metrics"
	"github.com/spf13/cobra"
)

// serveCmd boots the governor, registry, capability pool and
// maintenance sweep, then blocks until SIGINT/SIGTERM, mirroring the
// teacher's daemonCmd boot-then-wait-for-signal shape.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inference worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := boot()
			if err != nil {
				return err
			}

			rt.sweeper.Start(cmd.Context())
			logging.Op().Info("novainfer serving", "models", rt.reg.Len(), "memory_limit_mb", rt.gov.LimitMB())

			var statsServer *http.Server
			if rt.cfg.Daemon.StatsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/stats", metrics.Global().JSONHandler())
				mux.Handle("/metrics", metrics.PrometheusHandler())
				statsServer = &http.Server{Addr: rt.cfg.Daemon.StatsAddr, Handler: mux}
				go func() {
					if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("stats server exited", "error", err)
					}
				}()
				logging.Op().Info("stats endpoint listening", "addr", rt.cfg.Daemon.StatsAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Op().Info("novainfer shutting down")
			rt.sweeper.Stop()
			rt.pool.Shutdown()
			if statsServer != nil {
				_ = statsServer.Shutdown(context.Background())
			}
			return nil
		},
	}
}
