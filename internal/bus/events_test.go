package bus

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func quietBus() *EventBus {
	return NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEventBus_DeliveryOrderAndOff(t *testing.T) {
	eb := quietBus()

	var got []string
	id := eb.On(EventChannelStatus, func(e Event) { got = append(got, "typed:"+e.Source) })
	eb.On(Wildcard, func(e Event) { got = append(got, "any:"+e.Type) })

	eb.Emit(Event{Type: EventChannelStatus, Source: "discord"})
	eb.Off(EventChannelStatus, id)
	eb.Off(EventChannelStatus, "unknown#1")
	eb.Emit(Event{Type: EventChannelStatus, Source: "slack"})
	eb.Emit(Event{Type: EventPluginFailed})

	want := []string{"typed:discord", "any:channel.status", "any:channel.status", "any:plugin.failed"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEventBus_PanickingHandlerIsSkipped(t *testing.T) {
	eb := quietBus()
	called := false
	eb.On(EventChannelStatus, func(Event) { panic("boom") })
	eb.On(EventChannelStatus, func(Event) { called = true })

	eb.Emit(Event{Type: EventChannelStatus})
	if !called {
		t.Error("handler after a panicking one should still run")
	}
}

func TestEventBus_ReplayWrapsRing(t *testing.T) {
	eb := quietBus()
	start := time.Now()
	for i := 0; i < defaultHistory+3; i++ {
		typ := EventPluginRegistered
		if i%2 == 0 {
			typ = EventChannelStatus
		}
		eb.Emit(Event{Type: typ, Payload: map[string]any{"n": i}})
	}

	all := eb.Replay(Wildcard, start)
	if len(all) != defaultHistory {
		t.Fatalf("replay len = %d", len(all))
	}
	if first := all[0].Payload["n"]; first != 3 {
		t.Errorf("oldest kept = %v, want 3", first)
	}
	if last := all[len(all)-1].Payload["n"]; last != defaultHistory+2 {
		t.Errorf("newest = %v", last)
	}
	if got := eb.Replay(Wildcard, time.Now().Add(time.Hour)); len(got) != 0 {
		t.Errorf("future replay = %d events", len(got))
	}
}

func TestEventBus_LatestPerSourceAndAccount(t *testing.T) {
	eb := quietBus()
	emit := func(src, acct, status string) {
		eb.Emit(Event{Type: EventChannelStatus, Source: src, Payload: map[string]any{"account": acct, "status": status}})
	}
	emit("slack", "work", "connecting")
	emit("discord", "default", "connected")
	emit("slack", "work", "connected")
	emit("slack", "home", "error")
	eb.Emit(Event{Type: EventAgentStatus, Source: "agent", Payload: map[string]any{"connected": true}})

	latest := eb.Latest(EventChannelStatus)
	var got []string
	for _, e := range latest {
		got = append(got, e.Source+"/"+e.Payload["account"].(string)+"="+e.Payload["status"].(string))
	}
	want := "discord/default=connected slack/home=error slack/work=connected"
	if s := strings.Join(got, " "); s != want {
		t.Errorf("latest = %s, want %s", s, want)
	}
	if agent := eb.Latest(EventAgentStatus); len(agent) != 1 || agent[0].Source != "agent" {
		t.Errorf("agent latest = %+v", agent)
	}
	if none := eb.Latest("nothing"); len(none) != 0 {
		t.Errorf("unexpected events %+v", none)
	}
}

