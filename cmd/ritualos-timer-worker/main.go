package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ritualos/ritualos/core/controlplane/approvals"
	"github.com/ritualos/ritualos/core/controlplane/timers"
	"github.com/ritualos/ritualos/core/infra/buildinfo"
	"github.com/ritualos/ritualos/core/infra/bus"
	"github.com/ritualos/ritualos/core/infra/config"
	"github.com/ritualos/ritualos/core/infra/memory"
	infraMetrics "github.com/ritualos/ritualos/core/infra/metrics"
)

func main() {
	log.Println("ritualos timer worker starting...")
	buildinfo.Log("ritualos-timer-worker")

	cfg := config.Load()

	bundle, err := config.LoadPolicyBundle(cfg.PolicyBundlePath)
	if err != nil {
		log.Fatalf("failed to load policy bundle (%s): %v", cfg.PolicyBundlePath, err)
	}

	gates, err := memory.NewRedisGateStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for gate store: %v", err)
	}
	defer gates.Close()

	timerStore, err := memory.NewRedisTimerStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for timer store: %v", err)
	}
	defer timerStore.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	publisher := bus.NewRetryingPublisher(natsBus, 0, 0)

	m := infraMetrics.NewProm("ritualos_timers")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", infraMetrics.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Printf("timer worker metrics on %s/metrics", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	timerSched := timers.NewScheduler(timerStore, publisher)
	svc := approvals.NewService(gates, timerSched, publisher, bundle.Approvals, m,
		time.Duration(cfg.ApprovalTTLSeconds)*time.Second)
	poller := timers.NewPoller(timerStore, svc, m, cfg.TimerPollInterval, cfg.TimerBatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Start(ctx)

	log.Println("timer worker running. waiting for signals...")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("timer worker shutting down")
	cancel()
}
