package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmmd-project/vmmd/pkg/imagecache"
	"github.com/vmmd-project/vmmd/pkg/instance"
	"github.com/vmmd-project/vmmd/pkg/log"
	"github.com/vmmd-project/vmmd/pkg/metrics"
	"github.com/vmmd-project/vmmd/pkg/progress"
	"github.com/vmmd-project/vmmd/pkg/vmlog"
	"github.com/vmmd-project/vmmd/pkg/vmmd"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the long-lived VM supervisor",
	Long: `server loads every persisted machine, network, and instance from
disk and runs until SIGINT/SIGTERM. On shutdown it stops and destroys every
instance it left running, tearing down their TAPs and any bridge that drops
to zero references.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l := layoutFromFlags(cmd)
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		router := progress.NewRouter()
		go router.Run()
		defer router.Stop()

		lg := vmlog.New(l)
		cache, client := imagecache.New(ctx, l, router)
		go cache.Run()

		srv := vmmd.New(l, lg, client)
		if err := srv.ReadAll(); err != nil {
			return fmt.Errorf("load registry: %w", err)
		}
		log.Info(fmt.Sprintf("loaded %d machines, %d networks, %d instances",
			len(srv.ListMachines()), len(srv.ListNetworks()), len(srv.ListInstances())))

		collector := metrics.NewCollector(srv)
		collector.Start()
		defer collector.Stop()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("image-cache", true, "running")
		metrics.RegisterComponent("progress-router", true, "running")
		metrics.SetRegistry(srv)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server: %v", err)
			}
		}()
		log.Info(fmt.Sprintf("metrics endpoint: http://%s/metrics", metricsAddr))

		<-ctx.Done()
		log.Info("shutdown signal received, stopping running instances")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("metrics server shutdown: %v", err)
		}

		for _, inst := range srv.ListInstances() {
			if inst.Phase() != instance.PhaseRunning {
				continue
			}
			id := inst.Id()
			if err := srv.StopInstance(shutdownCtx, id); err != nil {
				log.Errorf(fmt.Sprintf("stop instance %s", id), err)
				continue
			}
			if err := srv.DestroyInstance(shutdownCtx, id); err != nil {
				log.Errorf(fmt.Sprintf("destroy instance %s", id), err)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
}
