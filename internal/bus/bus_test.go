package bus

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"
)

func TestMessageBus_BroadcastAndRelay(t *testing.T) {
	mb := New()
	var mu sync.Mutex
	var got []string
	mb.Subscribe("a", func(e Event) {
		mu.Lock()
		got = append(got, "a:"+e.Name)
		mu.Unlock()
	})
	mb.Subscribe("b", func(e Event) {
		mu.Lock()
		got = append(got, "b:"+e.Name)
		mu.Unlock()
	})

	var relayed []string
	mb.SetRelay(func(e Event) { relayed = append(relayed, e.Name) })

	mb.Broadcast(Event{Name: "agent"})
	mb.BroadcastLocal(Event{Name: "remote"})

	if len(got) != 4 {
		t.Errorf("subscribers got %v", got)
	}
	if len(relayed) != 1 || relayed[0] != "agent" {
		t.Errorf("relay got %v, want only locally originated events", relayed)
	}

	mb.Unsubscribe("a")
	if mb.SubscriberCount() != 1 {
		t.Errorf("count = %d", mb.SubscriberCount())
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := encodeEnvelope("node-1", Event{Name: "agent", Payload: map[string]string{"runId": "r1"}})
	if err != nil {
		t.Fatal(err)
	}
	ev, origin, err := decodeEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if origin != "node-1" || ev.Name != "agent" {
		t.Errorf("decoded %q %+v", origin, ev)
	}
	raw, ok := ev.Payload.(json.RawMessage)
	if !ok || string(raw) != `{"runId":"r1"}` {
		t.Errorf("payload = %#v", ev.Payload)
	}
	if _, _, err := decodeEnvelope([]byte(`{"origin":"x"}`)); err == nil {
		t.Error("expected error for nameless envelope")
	}
}

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(time.Minute, 10)
	if d.IsDuplicate("k1") {
		t.Fatal("first sighting is not a duplicate")
	}
	if !d.IsDuplicate("k1") {
		t.Fatal("second sighting is a duplicate")
	}
	d.Forget("k1")
	if d.IsDuplicate("k1") {
		t.Fatal("forgotten key is not a duplicate")
	}
}

func TestDedupeCache_Expiry(t *testing.T) {
	d := NewDedupeCache(10*time.Millisecond, 0)
	d.IsDuplicate("k")
	time.Sleep(20 * time.Millisecond)
	if d.IsDuplicate("k") {
		t.Fatal("expired key is not a duplicate")
	}
}

// TestRedisBridge needs a live server: CLOUDSERVE_TEST_REDIS_URL=redis://localhost:6379/0
func TestRedisBridge(t *testing.T) {
	url := os.Getenv("CLOUDSERVE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CLOUDSERVE_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	busA, busB := New(), New()
	a, err := NewRedisBridge(ctx, url, "cloudserve:test", busA)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewRedisBridge(ctx, url, "cloudserve:test", busB)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	go a.Run(ctx)
	go b.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	received := make(chan Event, 1)
	busB.Subscribe("t", func(e Event) { received <- e })
	busA.Broadcast(Event{Name: "chat", Payload: "hello"})

	select {
	case ev := <-received:
		if ev.Name != "chat" {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("event not relayed")
	}
}
