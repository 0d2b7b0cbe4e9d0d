package registry

import (
	"context"
	"encoding/json"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/notisync/internal/store"
	"github.com/notisync/internal/store/memory"
)

type countingKV struct {
	store.KV
	sets atomic.Int32
}

func (c *countingKV) Set(ctx context.Context, key, value string) error {
	c.sets.Add(1)
	return c.KV.Set(ctx, key, value)
}

func persisted(t *testing.T, kv store.KV) []int64 {
	t.Helper()
	raw, err := kv.Get(context.Background(), Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if raw == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		t.Fatalf("persisted list is corrupt: %v", err)
	}
	return ids
}

func TestRegisterPersistsAndSurvivesRestart(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	var opened []int64
	r := New(kv, func(id int64) { opened = append(opened, id) }, nil)
	r.Register(ctx, 2)
	r.Register(ctx, 1)

	if !r.IsOpen(1) || !r.IsOpen(2) || r.IsOpen(3) {
		t.Fatal("membership is wrong after Register")
	}
	if got := r.IDs(); !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Fatalf("IDs = %v, want sorted [1 2]", got)
	}
	if got := persisted(t, kv); !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Fatalf("persisted = %v, want [1 2]", got)
	}
	if !reflect.DeepEqual(opened, []int64{2, 1}) {
		t.Fatalf("onRegister calls = %v", opened)
	}

	// New instance over the same store hydrates the same set.
	fresh := New(kv, nil, nil)
	fresh.Initialize(ctx)
	if got := fresh.IDs(); !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Fatalf("hydrated IDs = %v, want [1 2]", got)
	}
}

func TestUnregisterRemovesBothCopies(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	var closed []int64
	r := New(kv, nil, func(id int64) { closed = append(closed, id) })
	r.Register(ctx, 1)
	r.Register(ctx, 2)
	r.Unregister(ctx, 1)

	if r.IsOpen(1) {
		t.Fatal("id 1 still open after Unregister")
	}
	if got := persisted(t, kv); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("persisted = %v, want [2]", got)
	}
	if !reflect.DeepEqual(closed, []int64{1}) {
		t.Fatalf("onUnregister calls = %v", closed)
	}
}

func TestInitializeToleratesCorruptList(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()
	kv.Set(ctx, Key, "{broken")

	r := New(kv, nil, nil)
	r.Initialize(ctx)
	if got := r.IDs(); len(got) != 0 {
		t.Fatalf("IDs = %v, want empty", got)
	}
}

func TestCleanupWritesOnce(t *testing.T) {
	kv := &countingKV{KV: memory.New()}
	ctx := context.Background()

	r := New(kv, nil, nil)
	r.Register(ctx, 1)
	r.Register(ctx, 2)
	r.Register(ctx, 3)

	before := kv.sets.Load()
	r.Cleanup(ctx, []int64{1, 3})
	if writes := kv.sets.Load() - before; writes != 1 {
		t.Fatalf("Cleanup made %d writes, want 1", writes)
	}
	if got := r.IDs(); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("IDs = %v, want [2]", got)
	}
}

type fakeLocator map[int64]bool

func (f fakeLocator) Reachable(_ context.Context, id int64) bool { return f[id] }

func TestSweepDropsUnreachable(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()

	var closed []int64
	r := New(kv, nil, func(id int64) { closed = append(closed, id) })
	r.Register(ctx, 1)
	r.Register(ctx, 2)
	r.Register(ctx, 3)

	r.Sweep(ctx, fakeLocator{2: true})
	if got := r.IDs(); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("IDs = %v, want [2]", got)
	}
	if got := persisted(t, kv); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("persisted = %v, want [2]", got)
	}
	if !reflect.DeepEqual(closed, []int64{1, 3}) {
		t.Fatalf("onUnregister calls = %v", closed)
	}
}
