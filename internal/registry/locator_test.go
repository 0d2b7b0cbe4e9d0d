package registry

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/notisync/internal/store/memory"
)

func TestStoreLocatorReachable(t *testing.T) {
	kv := memory.New()
	ctx := context.Background()
	loc := NewStoreLocator(kv, time.Minute)

	if loc.Reachable(ctx, 1) {
		t.Fatal("no presence mark, must be unreachable")
	}

	AnnounceWindow(ctx, kv, 1)
	if !loc.Reachable(ctx, 1) {
		t.Fatal("fresh presence mark, must be reachable")
	}

	// Stale mark is beyond the TTL.
	old := time.Now().Add(-2 * time.Minute).UnixMilli()
	kv.Set(ctx, windowKey(2), strconv.FormatInt(old, 10))
	if loc.Reachable(ctx, 2) {
		t.Fatal("stale presence mark reported reachable")
	}

	kv.Set(ctx, windowKey(3), "garbage")
	if loc.Reachable(ctx, 3) {
		t.Fatal("garbage presence mark reported reachable")
	}

	ReleaseWindow(ctx, kv, 1)
	if loc.Reachable(ctx, 1) {
		t.Fatal("released window reported reachable")
	}
}
