package approvals

import (
	"context"
	"sync"
	"time"

	"github.com/ritualos/ritualos/core/infra/events"
)

// memGateStore implements GateStore in process memory with per-store
// locking, mirroring the atomic check-and-update contract.
type memGateStore struct {
	mu          sync.Mutex
	gates       map[string]*GateRecord
	transitions map[string][]Transition
}

func newMemGateStore() *memGateStore {
	return &memGateStore{
		gates:       make(map[string]*GateRecord),
		transitions: make(map[string][]Transition),
	}
}

func gateKey(runID, gateID string) string { return runID + ":" + gateID }

func cloneGate(g *GateRecord) *GateRecord {
	cp := *g
	if g.Escalation != nil {
		esc := *g.Escalation
		esc.History = append([]events.EscalationStep(nil), g.Escalation.History...)
		cp.Escalation = &esc
	}
	return &cp
}

func (m *memGateStore) CreateGate(_ context.Context, record GateRecord) (bool, *GateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := gateKey(record.RunID, record.GateID)
	if existing, ok := m.gates[key]; ok {
		return false, cloneGate(existing), nil
	}
	m.gates[key] = cloneGate(&record)
	m.transitions[key] = append(m.transitions[key], Transition{At: record.CreatedAt, State: string(record.State), Actor: record.Requester})
	return true, nil, nil
}

func (m *memGateStore) GetGate(_ context.Context, runID, gateID string) (*GateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[gateKey(runID, gateID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGate(g), nil
}

func (m *memGateStore) ResolveGate(_ context.Context, runID, gateID string, terminal GateState, actor, note string, at int64) (bool, *GateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := gateKey(runID, gateID)
	g, ok := m.gates[key]
	if !ok {
		return false, nil, ErrNotFound
	}
	if g.State.Terminal() {
		return false, cloneGate(g), nil
	}
	g.State = terminal
	g.ResolvedBy = actor
	g.Note = note
	g.ResolvedAt = at
	g.UpdatedAt = at
	m.transitions[key] = append(m.transitions[key], Transition{At: at, State: string(terminal), Actor: actor})
	return true, cloneGate(g), nil
}

func (m *memGateStore) UpdateEscalation(_ context.Context, runID, gateID string, expectedLevel uint32, esc *EscalationState, at int64) (bool, *GateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := gateKey(runID, gateID)
	g, ok := m.gates[key]
	if !ok {
		return false, nil, ErrNotFound
	}
	if g.State.Terminal() || g.Escalation == nil || g.Escalation.CurrentLevel != expectedLevel {
		return false, cloneGate(g), nil
	}
	cp := *esc
	g.Escalation = &cp
	g.UpdatedAt = at
	m.transitions[key] = append(m.transitions[key], Transition{At: at, State: "escalated"})
	return true, cloneGate(g), nil
}

func (m *memGateStore) ListGatesByState(_ context.Context, state GateState, _ int64, limit int64) ([]GateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GateRecord, 0)
	for _, g := range m.gates {
		if g.State == state {
			out = append(out, *cloneGate(g))
		}
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memGateStore) ListTransitions(_ context.Context, runID, gateID string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions[gateKey(runID, gateID)]...), nil
}

// fakeTimers records scheduled and canceled timers.
type fakeTimers struct {
	mu        sync.Mutex
	scheduled []fakeTimer
	canceled  []string
}

type fakeTimer struct {
	runID   string
	gateID  string
	level   uint32
	firesAt time.Time
}

func (f *fakeTimers) ScheduleExpiry(_ context.Context, runID, gateID string, level uint32, firesAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, fakeTimer{runID: runID, gateID: gateID, level: level, firesAt: firesAt})
	return nil
}

func (f *fakeTimers) CancelGateTimers(_ context.Context, runID, gateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, gateKey(runID, gateID))
	return nil
}

// capturePublisher collects emitted events, keyed for dedup assertions.
type capturePublisher struct {
	mu        sync.Mutex
	published []events.Event
}

func (p *capturePublisher) Publish(ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, ev)
	return nil
}

func (p *capturePublisher) byType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, 0)
	for _, ev := range p.published {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}
