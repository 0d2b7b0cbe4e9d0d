package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/notisync/internal/store/memory"
)

func waitAction(t *testing.T, ch <-chan Action) Action {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an inbound action")
		return Action{}
	}
}

func TestBroadcastReachesNeighbourNotSelf(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	inboundB := make(chan Action, 8)
	a := New(kv, "winA", 10*time.Millisecond, func(Action) {
		t.Error("own broadcast must never be replayed locally")
	})
	b := New(kv, "winB", 10*time.Millisecond, func(act Action) { inboundB <- act })
	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop()
	defer b.Stop()

	payload := map[string]any{"notification_id": int64(7), "value": true}
	if err := a.Broadcast(ctx, ActionPin, payload); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	act := waitAction(t, inboundB)
	if act.Type != ActionPin {
		t.Fatalf("got action %q, want %q", act.Type, ActionPin)
	}
	var decoded struct {
		NotificationID int64 `json:"notification_id"`
		Value          bool  `json:"value"`
	}
	if err := json.Unmarshal(act.Payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.NotificationID != 7 || !decoded.Value {
		t.Fatalf("payload = %+v", decoded)
	}
}

func TestBroadcastRejectsUnknownAction(t *testing.T) {
	kv := memory.New()
	s := New(kv, "winA", 10*time.Millisecond, func(Action) {})
	err := s.Broadcast(context.Background(), "drop_database", nil)
	if !errors.Is(err, ErrNotBroadcastable) {
		t.Fatalf("err = %v, want ErrNotBroadcastable", err)
	}
}

func TestSignalKeyClearedAfterBroadcast(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()
	s := New(kv, "winA", 10*time.Millisecond, func(Action) {})
	s.Start(ctx)
	defer s.Stop()

	if err := s.Broadcast(ctx, ActionChatOpened, map[string]int64{"notification_id": 1}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if v, _ := kv.Get(ctx, SignalKey); v == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("signal key was not cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// The deferred clear must not clobber a fresher signal written by a neighbour.
func TestClearKeepsNeighbourSignal(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()
	s := New(kv, "winA", 10*time.Millisecond, func(Action) {})

	if err := s.Broadcast(ctx, ActionChatOpened, map[string]int64{"notification_id": 1}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	const foreign = `{"source":"winB","timestamp_ms":1,"action":{"type":"chat_opened"}}`
	if err := kv.Set(ctx, SignalKey, foreign); err != nil {
		t.Fatalf("set: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if v, _ := kv.Get(ctx, SignalKey); v != foreign {
		t.Fatalf("neighbour signal clobbered: %q", v)
	}
}

func TestInboundIgnoresGarbageAndClear(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	inbound := make(chan Action, 8)
	s := New(kv, "winB", 10*time.Millisecond, func(act Action) { inbound <- act })
	s.Start(ctx)
	defer s.Stop()

	kv.Set(ctx, SignalKey, "{not json")
	kv.Set(ctx, SignalKey, `{"source":"winC","action":{"type":"not_allowed"}}`)
	kv.Delete(ctx, SignalKey) // clear delivered as ""
	kv.Set(ctx, SignalKey, `{"source":"winC","action":{"type":"favorite","payload":{"notification_id":3,"value":true}}}`)

	act := waitAction(t, inbound)
	if act.Type != ActionFavorite {
		t.Fatalf("got %q, want %q", act.Type, ActionFavorite)
	}
	select {
	case extra := <-inbound:
		t.Fatalf("unexpected extra action: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
