package detector

import (
	"testing"
	"time"
)

func TestThrottleWindow(t *testing.T) {
	th := NewThrottle(200 * time.Millisecond)

	if !th.Allow(false) {
		t.Fatal("first call must pass")
	}
	if th.Allow(false) {
		t.Fatal("second call inside the window must be rejected")
	}
	if !th.Allow(true) {
		t.Fatal("high priority must bypass the window")
	}
	// High priority call above also moved the window forward.
	if th.Allow(false) {
		t.Fatal("normal call right after a high-priority one must be rejected")
	}
}

func TestThrottleExpires(t *testing.T) {
	th := NewThrottle(20 * time.Millisecond)
	if !th.Allow(false) {
		t.Fatal("first call must pass")
	}
	time.Sleep(40 * time.Millisecond)
	if !th.Allow(false) {
		t.Fatal("call after the window elapsed must pass")
	}
}

func TestThrottleDisabled(t *testing.T) {
	th := NewThrottle(0)
	for i := 0; i < 5; i++ {
		if !th.Allow(false) {
			t.Fatalf("disabled throttle rejected call %d", i)
		}
	}
}
