package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/notisync/internal/model"
)

type fakeServer struct {
	mu       sync.Mutex
	snapshot []model.Notification
	rejects  atomic.Bool
	requests atomic.Int32
	srv      *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		snapshot: []model.Notification{{
			NotificationID: 1,
			Title:          "thread",
			Messages:       model.MessageList{{MessageID: 1, SenderID: "u2", Message: "hello"}},
		}},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.rejects.Load() || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.requests.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.snapshot)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) addMessage(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := &f.snapshot[0]
	n.Messages = append(n.Messages, model.Message{
		MessageID: int64(len(n.Messages) + 1),
		SenderID:  "u2",
		Message:   text,
	})
}

func startWorker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	w := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		w.Stop()
		cancel()
	})
	return w
}

// waitKind scans worker messages until the wanted kind arrives.
func waitKind(t *testing.T, w *Worker, kind Kind) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-w.Messages():
			if msg.Kind == kind {
				return msg
			}
			if msg.Kind == KindError || msg.Kind == KindAuthError {
				t.Fatalf("unexpected %s: %s", msg.Kind, msg.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestInitAndFetch(t *testing.T) {
	f := newFakeServer(t)
	w := startWorker(t, Config{PollInterval: time.Hour, ReloadThrottle: time.Millisecond})

	w.Init("tok", f.srv.URL, "win-1", false)
	waitKind(t, w, KindReady)

	w.Reload("", "", true)
	msg := waitKind(t, w, KindNotifications)
	if len(msg.Snapshot) != 1 || msg.Snapshot[0].NotificationID != 1 {
		t.Fatalf("snapshot = %+v", msg.Snapshot)
	}
	if !msg.HighPriority {
		t.Fatal("forced reload must be marked high priority")
	}

	// First fetch of the window: the whole history is "new", no hints.
	select {
	case extra := <-w.Messages():
		t.Fatalf("unexpected message after first fetch: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewMessageHint(t *testing.T) {
	f := newFakeServer(t)
	w := startWorker(t, Config{PollInterval: time.Hour, ReloadThrottle: time.Millisecond})

	w.Init("tok", f.srv.URL, "win-1", false)
	w.Reload("", "", true)
	waitKind(t, w, KindNotifications)

	f.addMessage("another one")
	time.Sleep(5 * time.Millisecond) // let the throttle window lapse
	w.Reload("", "", true)
	waitKind(t, w, KindNotifications)
	hint := waitKind(t, w, KindNewMessage)
	if hint.NotificationID != 1 {
		t.Fatalf("hint for id %d, want 1", hint.NotificationID)
	}
}

func TestReloadThrottled(t *testing.T) {
	f := newFakeServer(t)
	w := startWorker(t, Config{PollInterval: time.Hour, ReloadThrottle: time.Minute})

	w.Init("tok", f.srv.URL, "win-1", false)
	w.Reload("", "", true)
	waitKind(t, w, KindNotifications)
	if got := f.requests.Load(); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}

	// Inside the window a normal reload is a no-op.
	w.Reload("", "", false)
	time.Sleep(100 * time.Millisecond)
	if got := f.requests.Load(); got != 1 {
		t.Fatalf("throttled reload hit the server, requests = %d", got)
	}

	// High priority punches through.
	w.Reload("", "", true)
	waitKind(t, w, KindNotifications)
	if got := f.requests.Load(); got != 2 {
		t.Fatalf("requests = %d, want 2", got)
	}
}

func TestAuthErrorStopsFetching(t *testing.T) {
	f := newFakeServer(t)
	w := startWorker(t, Config{PollInterval: time.Hour, ReloadThrottle: time.Millisecond})

	w.Init("tok", f.srv.URL, "win-1", false)
	f.rejects.Store(true)
	w.Reload("", "", true)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-w.Messages():
			if msg.Kind == KindAuthError {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for auth_error")
		}
	}
}

func TestFetchOneMergesIntoSnapshot(t *testing.T) {
	f := newFakeServer(t)
	// The list endpoint is reused for the single fetch: the handler returns the
	// array, so point FetchOne at a dedicated server returning one object.
	one := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.Notification{NotificationID: 2, Title: "other"})
	}))
	t.Cleanup(one.Close)

	w := startWorker(t, Config{PollInterval: time.Hour, ReloadThrottle: time.Millisecond})
	w.Init("tok", f.srv.URL, "win-1", false)
	w.Reload("", "", true)
	waitKind(t, w, KindNotifications)

	w.Init("tok", one.URL, "win-1", false)
	w.FetchOne(2)
	msg := waitKind(t, w, KindNotifications)
	if len(msg.Snapshot) != 2 {
		t.Fatalf("snapshot = %+v, want merged two entries", msg.Snapshot)
	}
}

func TestPing(t *testing.T) {
	w := startWorker(t, Config{PollInterval: time.Hour})
	w.Ping()
	waitKind(t, w, KindPong)
}
