package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ritualos/ritualos/core/controlplane/approvals"
	"github.com/ritualos/ritualos/core/controlplane/gateway"
	"github.com/ritualos/ritualos/core/controlplane/policy"
	"github.com/ritualos/ritualos/core/controlplane/timers"
	"github.com/ritualos/ritualos/core/infra/buildinfo"
	"github.com/ritualos/ritualos/core/infra/bus"
	"github.com/ritualos/ritualos/core/infra/config"
	"github.com/ritualos/ritualos/core/infra/memory"
	infraMetrics "github.com/ritualos/ritualos/core/infra/metrics"
)

func main() {
	log.Println("ritualos policy engine starting...")
	buildinfo.Log("ritualos-policy-engine")

	cfg := config.Load()

	bundle, err := config.LoadPolicyBundle(cfg.PolicyBundlePath)
	if err != nil {
		log.Fatalf("failed to load policy bundle (%s): %v", cfg.PolicyBundlePath, err)
	}

	counters, err := memory.NewRedisCounterStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for quota counters: %v", err)
	}
	defer counters.Close()

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

	dlq, err := memory.NewDLQStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis for dlq store: %v", err)
	}
	defer dlq.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()
	natsBus.SetDeadLetter(dlq)

	publisher := bus.NewRetryingPublisher(natsBus, 0, 0)

	m := infraMetrics.NewProm("ritualos")
	gwMetrics := infraMetrics.NewGatewayProm("ritualos_gateway")

	engine := policy.NewEngine(bundle, counters, publisher, m, !cfg.DisableTenantScoping)
	timerSched := timers.NewScheduler(timerStore, publisher)
	svc := approvals.NewService(gates, timerSched, publisher, bundle.Approvals, m,
		time.Duration(cfg.ApprovalTTLSeconds)*time.Second)

	server := gateway.NewServer(gateway.Options{
		Engine:    engine,
		Approvals: svc,
		DLQ:       dlq,
		Bus:       natsBus,
		Metrics:   gwMetrics,
	})
	server.StartAuditTap()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("policy engine shutting down")
		cancel()
	}()

	if err := server.Start(ctx, cfg.HTTPAddr, cfg.MetricsAddr); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}
