package memory

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/ritualos/ritualos/core/controlplane/timers"
)

func newTimerStore(t *testing.T) *RedisTimerStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisTimerStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("timer store init: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testTimer(runID, gateID string, level uint32, scheduledFor int64) timers.Timer {
	purpose := timers.PurposeApprovalExpiry
	if level > 0 {
		purpose = timers.PurposeEscalationStep
	}
	return timers.Timer{
		ID:           timers.TimerID(runID, gateID, purpose, level),
		RunID:        runID,
		GateID:       gateID,
		Purpose:      purpose,
		Level:        level,
		ScheduledFor: scheduledFor,
	}
}

func TestTimerScheduleAndListDue(t *testing.T) {
	store := newTimerStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).Unix()

	store.Schedule(ctx, testTimer("r1", "g1", 0, now-10))
	store.Schedule(ctx, testTimer("r1", "g2", 1, now+100))

	due, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].GateID != "g1" || due[0].Purpose != timers.PurposeApprovalExpiry {
		t.Fatalf("unexpected due set: %+v", due)
	}
}

func TestTimerRescheduleReplacesDueTime(t *testing.T) {
	store := newTimerStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).Unix()

	store.Schedule(ctx, testTimer("r1", "g1", 1, now-10))
	store.Schedule(ctx, testTimer("r1", "g1", 1, now+500))

	due, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("rescheduled timer must not be due: %+v", due)
	}
}

func TestTimerCompleteRemoves(t *testing.T) {
	store := newTimerStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).Unix()
	timer := testTimer("r1", "g1", 0, now-1)

	store.Schedule(ctx, timer)
	if err := store.Complete(ctx, timer.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	due, _ := store.ListDue(ctx, now, 10)
	if len(due) != 0 {
		t.Fatalf("completed timer should not fire again: %+v", due)
	}
	// Completing an unknown timer is a no-op.
	if err := store.Complete(ctx, "timer:missing"); err != nil {
		t.Fatalf("complete unknown: %v", err)
	}
}

func TestTimerCancelGateDropsAllLevels(t *testing.T) {
	store := newTimerStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).Unix()

	store.Schedule(ctx, testTimer("r1", "g1", 1, now-5))
	store.Schedule(ctx, testTimer("r1", "g1", 2, now-5))
	store.Schedule(ctx, testTimer("r1", "g2", 1, now-5))

	if err := store.CancelGate(ctx, "r1", "g1"); err != nil {
		t.Fatalf("cancel gate: %v", err)
	}
	due, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].GateID != "g2" {
		t.Fatalf("only g2's timer should remain: %+v", due)
	}
}

func TestDLQStoreAddListDelete(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewDLQStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("dlq store init: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.AddMessage(ctx, "audit.approval.granted", "schema violation", []byte(`{"broken`)); err != nil {
		t.Fatalf("add: %v", err)
	}
	list, err := store.List(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %+v err=%v", list, err)
	}
	entry := list[0]
	if entry.Subject != "audit.approval.granted" || entry.Payload != "{\"broken" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	got, err := store.Get(ctx, entry.ID)
	if err != nil || got.Reason != "schema violation" {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	if err := store.Delete(ctx, entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if list, _ := store.List(ctx, 10); len(list) != 0 {
		t.Fatalf("expected empty dlq, got %+v", list)
	}
}
