package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/ritualos/ritualos/core/controlplane/approvals"
	"github.com/ritualos/ritualos/core/controlplane/policy"
	"github.com/ritualos/ritualos/core/infra/config"
	"github.com/ritualos/ritualos/core/infra/events"
	"github.com/ritualos/ritualos/core/infra/memory"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *stubPublisher) Publish(ev events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

type stubTimers struct {
	mu        sync.Mutex
	scheduled int
	cancelled int
}

func (t *stubTimers) ScheduleExpiry(context.Context, string, string, uint32, time.Time) error {
	t.mu.Lock()
	t.scheduled++
	t.mu.Unlock()
	return nil
}

func (t *stubTimers) CancelGateTimers(context.Context, string, string) error {
	t.mu.Lock()
	t.cancelled++
	t.mu.Unlock()
	return nil
}

type testEnv struct {
	server *Server
	gates  *memory.RedisGateStore
	dlq    *memory.DLQStore
	pub    *stubPublisher
}

func testBundle() *config.PolicyBundle {
	return &config.PolicyBundle{
		Quotas: config.QuotaConfig{
			Capabilities: map[string]config.Quota{
				"deploy.staging": {Limit: 2, WindowSeconds: 60},
			},
		},
		Schedules: config.ScheduleConfig{
			Global: map[string][]config.ScheduleRule{
				"deploy.prod": {
					{
						Action:   "deny",
						Timezone: "UTC",
						Days:     []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"},
						Start:    "00:00",
						End:      "23:59",
					},
				},
			},
		},
		Approvals: config.ApprovalConfig{
			Tenants: map[string]config.ApprovalTenant{
				"acme": {
					Chain: []config.EscalationLevel{
						{TimeoutSeconds: 300, Approvers: []string{"oncall"}},
						{TimeoutSeconds: 0, Approvers: []string{"director"}, EmergencyOverride: true},
					},
				},
			},
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	url := "redis://" + srv.Addr()

	gates, err := memory.NewRedisGateStore(url)
	if err != nil {
		t.Fatalf("gate store init: %v", err)
	}
	t.Cleanup(func() { gates.Close() })
	counters, err := memory.NewRedisCounterStore(url)
	if err != nil {
		t.Fatalf("counter store init: %v", err)
	}
	t.Cleanup(func() { counters.Close() })
	dlq, err := memory.NewDLQStore(url)
	if err != nil {
		t.Fatalf("dlq store init: %v", err)
	}
	t.Cleanup(func() { dlq.Close() })

	pub := &stubPublisher{}
	bundle := testBundle()
	engine := policy.NewEngine(bundle, counters, pub, nil, true)
	svc := approvals.NewService(gates, &stubTimers{}, pub, bundle.Approvals, nil, time.Hour)

	server := NewServer(Options{
		Engine:    engine,
		Approvals: svc,
		DLQ:       dlq,
	})
	return &testEnv{server: server, gates: gates, dlq: dlq, pub: pub}
}
