package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Emit(SourceScheduler, KindTaskFired, nil)
	b.Unsubscribe(make(chan Event))
	if ch := b.Subscribe(4); ch != nil {
		t.Error("Subscribe on a nil bus returned a channel")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d", n)
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	websocket := b.Subscribe(4)
	mqtt := b.Subscribe(4)
	defer b.Unsubscribe(websocket)
	defer b.Unsubscribe(mqtt)

	b.Emit(SourceTools, KindToolExec, map[string]any{"conversation_id": "conv-1", "tool": "getLocalTime"})

	for name, ch := range map[string]<-chan Event{"websocket": websocket, "mqtt": mqtt} {
		got := recv(t, ch)
		if got.Source != SourceTools || got.Kind != KindToolExec {
			t.Errorf("%s: got %s/%s", name, got.Source, got.Kind)
		}
		if got.Data["tool"] != "getLocalTime" {
			t.Errorf("%s: tool = %v", name, got.Data["tool"])
		}
	}
}

func TestPublishStampsZeroTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(2)
	defer b.Unsubscribe(ch)

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	before := time.Now()
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Publish(Event{Timestamp: fixed, Source: SourceAgent, Kind: KindTurnFinish})

	if got := recv(t, ch); got.Timestamp.Before(before) {
		t.Errorf("zero timestamp not stamped: %v", got.Timestamp)
	}
	if got := recv(t, ch); !got.Timestamp.Equal(fixed) {
		t.Errorf("explicit timestamp overwritten: %v", got.Timestamp)
	}
}

func TestSlowSubscriberMissesEvents(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for _, kind := range []string{KindServiceDown, KindServiceUp, KindServiceDown} {
		b.Emit(SourceConnwatch, kind, map[string]any{"service": "ollama"})
	}

	if got := recv(t, slow); got.Kind != KindServiceDown {
		t.Errorf("slow subscriber got %q first", got.Kind)
	}
	select {
	case e := <-slow:
		t.Errorf("slow subscriber received %q past its buffer", e.Kind)
	default:
	}
	if n := len(fast); n != 3 {
		t.Errorf("fast subscriber buffered %d events, want 3", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	if n := b.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}

	b.Unsubscribe(a)
	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount = %d, want 1", n)
	}

	b.Emit(SourceTools, KindDiscoveryFailed, map[string]any{"error": "timeout"})
	if got := recv(t, c); got.Kind != KindDiscoveryFailed {
		t.Errorf("remaining subscriber got %q", got.Kind)
	}
	b.Unsubscribe(c)
	b.Emit(SourceTools, KindDiscoveryFailed, nil)
}

func TestConcurrentTurnsPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(16)

	done := make(chan int)
	go func() {
		n := 0
		for range ch {
			n++
		}
		done <- n
	}()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range 50 {
				b.Emit(SourceAgent, KindTurnFinish, map[string]any{"conversation_id": i, "steps": step})
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)

	if n := <-done; n == 0 {
		t.Error("subscriber received nothing")
	}
}
