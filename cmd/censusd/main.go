// Command censusd runs the presence-directory service: it accepts
// signed peer submissions, hands out random peer samples to bootstrap
// new nodes, and reports rolling network-size statistics, following the
// original Rust binary's main (bind HTTP, start the drain and stats
// background tasks) reworked into the cobra single-binary layout of
// the teacher's cmd/trakr.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/spf13/cobra"

	"github.com/kamilata/kamilata/internal/census/server"
	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/metrics"
)

func main() {
	var (
		addr            string
		drainDir        string
		maxRecords      int
		drainThreshold  int
		ipResetEvery    int
		rateLimitWindow time.Duration
		redisAddr       string
		metricsAddr     string
	)

	root := &cobra.Command{
		Use:   "censusd",
		Short: "Presence-directory service for bootstrap peer discovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.Config{
				MaxRecords:     maxRecords,
				DrainThreshold: drainThreshold,
				DrainDir:       drainDir,
				IPResetEvery:   ipResetEvery,
			}.Validate()

			var pool *redis.Pool
			if redisAddr != "" {
				pool = &redis.Pool{
					MaxIdle:     8,
					IdleTimeout: 240 * time.Second,
					Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", redisAddr) },
				}
			}
			limiter := server.NewIPLimiter(rateLimitWindow, pool)

			srv := server.New(cfg, limiter)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			srv.Start(ctx)

			httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}

			var metricsSrv *metrics.Server
			if metricsAddr != "" {
				metricsSrv = metrics.NewServer(metricsAddr)
				metricsSrv.Start(ctx)
			}

			go func() {
				klog.Info("census service listening", klog.Component("censusd", nil))
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					klog.Error("census service listener failed", klog.Component("censusd", nil), klog.Err(err))
				}
			}()

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
			<-shutdown

			klog.Info("shutting down", klog.Component("censusd", nil))
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = httpSrv.Shutdown(shutdownCtx)
			if metricsSrv != nil {
				<-metricsSrv.Stop()
			}
			<-srv.Stop()
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:14364", "listen address for the census HTTP service")
	flags.StringVar(&drainDir, "drain-dir", ".", "directory rotated data_<n>.json drain files are written to")
	flags.IntVar(&maxRecords, "max-records", 0, "maximum number of live records kept in memory; further submissions are rejected")
	flags.IntVar(&drainThreshold, "drain-threshold", 0, "record count above which each drain tick writes the oldest records to disk")
	flags.IntVar(&ipResetEvery, "ip-reset-every", 0, "number of drain cycles between resets of the seen-IP dedup set")
	flags.DurationVar(&rateLimitWindow, "rate-limit-window", time.Minute, "minimum time between submissions from the same IP")
	flags.StringVar(&redisAddr, "redis-addr", "", "Redis address for distributed rate limiting (in-process limiter if empty)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "listen address for the Prometheus /metrics endpoint (disabled if empty)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
