package election

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/notisync/internal/store/memory"
)

func fastConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Millisecond,
		LivenessTimeout:   80 * time.Millisecond,
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countMasters(es ...*Elector) int {
	n := 0
	for _, e := range es {
		if e.IsMaster() {
			n++
		}
	}
	return n
}

func TestRaceSettlesToSingleMaster(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	es := []*Elector{
		New(kv, "win-a", fastConfig(), Callbacks{}),
		New(kv, "win-b", fastConfig(), Callbacks{}),
		New(kv, "win-c", fastConfig(), Callbacks{}),
	}
	for _, e := range es {
		e.Start(ctx)
	}
	defer func() {
		for _, e := range es {
			e.Stop(ctx)
		}
	}()

	eventually(t, 2*time.Second, func() bool {
		return countMasters(es...) == 1
	}, "race did not settle to exactly one master")

	// The settled state must hold across several heartbeat periods.
	time.Sleep(100 * time.Millisecond)
	if n := countMasters(es...); n != 1 {
		t.Fatalf("masters = %d after settling, want 1", n)
	}
}

func TestCleanStopHandsOverMastership(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	a := New(kv, "win-a", fastConfig(), Callbacks{})
	a.Start(ctx)
	eventually(t, time.Second, a.IsMaster, "first window did not become master")

	b := New(kv, "win-b", fastConfig(), Callbacks{})
	b.Start(ctx)
	defer b.Stop(ctx)
	eventually(t, time.Second, func() bool { return b.Role() == Slave }, "second window did not become slave")

	a.Stop(ctx) // clean stop removes the master record
	eventually(t, 2*time.Second, b.IsMaster, "slave did not take over after a clean stop")
}

func TestFailoverAfterHeartbeatStops(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	crashCtx, crash := context.WithCancel(ctx)
	a := New(kv, "win-a", fastConfig(), Callbacks{})
	a.Start(crashCtx)
	eventually(t, time.Second, a.IsMaster, "first window did not become master")

	b := New(kv, "win-b", fastConfig(), Callbacks{})
	b.Start(ctx)
	defer b.Stop(ctx)
	eventually(t, time.Second, func() bool { return b.Role() == Slave }, "second window did not become slave")

	// Simulate a crash: the heartbeat loop dies, the record goes stale.
	crash()
	eventually(t, 2*time.Second, b.IsMaster, "slave did not take over after liveness timeout")
}

func TestMasterReassertsOverStaleClaim(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	a := New(kv, "win-a", fastConfig(), Callbacks{})
	a.Start(ctx)
	defer a.Stop(ctx)
	eventually(t, time.Second, a.IsMaster, "window did not become master")

	// A claim with an older heartbeat must not demote the current master.
	stale, _ := json.Marshal(Record{WindowID: "win-z", HeartbeatMS: time.Now().Add(-time.Minute).UnixMilli()})
	kv.Set(ctx, MasterKey, string(stale))

	eventually(t, time.Second, func() bool {
		raw, _ := kv.Get(ctx, MasterKey)
		rec, ok := parseRecord(raw)
		return ok && rec.WindowID == "win-a"
	}, "master did not reassert its record over a stale claim")
	if !a.IsMaster() {
		t.Fatal("master was demoted by a stale claim")
	}
}

func TestCorruptRecordTreatedAsAbsent(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()
	kv.Set(ctx, MasterKey, "{definitely not json")

	a := New(kv, "win-a", fastConfig(), Callbacks{})
	a.Start(ctx)
	defer a.Stop(ctx)

	eventually(t, time.Second, a.IsMaster, "corrupt record must not block the takeover")
}

func TestMasterSeenWithin(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	if MasterSeenWithin(ctx, kv, time.Minute) {
		t.Fatal("no record, no master")
	}
	fresh, _ := json.Marshal(Record{WindowID: "win-a", HeartbeatMS: time.Now().UnixMilli()})
	kv.Set(ctx, MasterKey, string(fresh))
	if !MasterSeenWithin(ctx, kv, time.Minute) {
		t.Fatal("fresh heartbeat not seen")
	}
	old, _ := json.Marshal(Record{WindowID: "win-a", HeartbeatMS: time.Now().Add(-time.Hour).UnixMilli()})
	kv.Set(ctx, MasterKey, string(old))
	if MasterSeenWithin(ctx, kv, time.Minute) {
		t.Fatal("stale heartbeat reported as live")
	}
}
