package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gltchgate/internal/bus"
	"gltchgate/internal/metrics"
)

type flakyPinger struct{ up atomic.Bool }

func (p *flakyPinger) Ping(context.Context) bool { return p.up.Load() }

func TestHeartbeat_EmitsOnlyOnTransitions(t *testing.T) {
	events := bus.NewEventBus(quietLogger())
	var got []bool
	events.On(bus.EventAgentStatus, func(e bus.Event) {
		got = append(got, e.Payload["connected"].(bool))
	})

	p := &flakyPinger{}
	hb := NewHeartbeat(HeartbeatConfig{Agent: p, Events: events, Endpoint: "http://agent", Logger: quietLogger()})

	ctx := context.Background()
	hb.Check(ctx) // first check always publishes
	hb.Check(ctx)
	p.up.Store(true)
	if !hb.Check(ctx) {
		t.Fatal("Check should report up")
	}
	hb.Check(ctx)
	p.up.Store(false)
	hb.Check(ctx)

	want := []bool{false, true, false}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if metrics.AgentUp.Value() != 0 {
		t.Errorf("agent_up gauge = %d", metrics.AgentUp.Value())
	}
}

func TestHeartbeat_StartChecksImmediatelyAndStops(t *testing.T) {
	events := bus.NewEventBus(quietLogger())
	seen := make(chan bool, 1)
	events.On(bus.EventAgentStatus, func(e bus.Event) {
		select {
		case seen <- e.Payload["connected"].(bool):
		default:
		}
	})
	p := &flakyPinger{}
	p.up.Store(true)
	hb := NewHeartbeat(HeartbeatConfig{Agent: p, Interval: time.Hour, Events: events, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Start(ctx)
		close(done)
	}()

	select {
	case up := <-seen:
		if !up {
			t.Error("expected connected=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no check before first tick")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
