package state

import (
	"testing"
	"time"

	"github.com/notisync/internal/model"
)

func sampleSnapshot() []model.Notification {
	return []model.Notification{
		{NotificationID: 1, Title: "first", Archived: model.ArchivedNo},
		{NotificationID: 2, Title: "second", IsReadByUser: true, Archived: model.ArchivedNo},
		{NotificationID: 3, Title: "third", Archived: model.ArchivedYes},
	}
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func TestSetSnapshotReplacesEverything(t *testing.T) {
	s := New()
	s.SetSnapshot(sampleSnapshot(), true)

	if got := len(s.Notifications()); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}
	// Notification 1 is unread, 2 is read, 3 is unread but archived.
	if got := s.UnreadCount(); got != 1 {
		t.Fatalf("unread = %d, want 1", got)
	}

	s.SetSnapshot([]model.Notification{{NotificationID: 9}}, true)
	if _, ok := s.Get(1); ok {
		t.Fatal("old notification survived a full snapshot replace")
	}
	if _, ok := s.Get(9); !ok {
		t.Fatal("new notification missing after snapshot replace")
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	s := New()
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	s.SetSnapshot(sampleSnapshot(), true)
	ev := waitEvent(t, events)
	if ev.Kind != EventUpdated || ev.UnreadCount != 1 || !ev.HasChanges {
		t.Fatalf("event = %+v", ev)
	}

	s.ToggleReadUnread(1, true)
	ev = waitEvent(t, events)
	if ev.Kind != EventUpdated || ev.UnreadCount != 0 {
		t.Fatalf("event after read = %+v", ev)
	}

	s.NotifyNewMessage(2)
	ev = waitEvent(t, events)
	if ev.Kind != EventNewMessage || ev.NotificationID != 2 {
		t.Fatalf("new message event = %+v", ev)
	}

	s.NotifyAuthExpired()
	if ev = waitEvent(t, events); ev.Kind != EventAuthExpired {
		t.Fatalf("auth event = %+v", ev)
	}
}

func TestMutationsUnknownIDIgnored(t *testing.T) {
	s := New()
	s.SetSnapshot(sampleSnapshot(), true)
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	// A neighbour's broadcast may reference an id our fetch has not seen yet.
	s.ToggleReadUnread(404, true)
	s.SetPinned(404, true)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for unknown id: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFieldMutations(t *testing.T) {
	s := New()
	s.SetSnapshot(sampleSnapshot(), true)

	s.SetArchived(1, true)
	s.SetPinned(1, true)
	s.SetFavorite(1, true)
	s.SetClosed(1, true)
	s.SetTitle(1, "renamed")
	expiry := time.Now().Add(time.Hour)
	s.SetMuted(1, true, &expiry)

	n, ok := s.Get(1)
	if !ok {
		t.Fatal("notification 1 missing")
	}
	if !n.IsArchived() || !n.Pinned || !n.Favorite || !n.IsClosed || n.Title != "renamed" {
		t.Fatalf("mutations lost: %+v", n)
	}
	if !n.IsMuted || n.MuteExpiryDate == nil || !n.MuteExpiryDate.Equal(expiry) {
		t.Fatalf("mute state lost: %+v", n)
	}
}

func TestLeaveChatTrimsHistory(t *testing.T) {
	s := New()
	s.SetSnapshot([]model.Notification{{
		NotificationID: 1,
		Messages: model.MessageList{
			{MessageID: 1, SenderID: "u2", Message: "hi"},
			{MessageID: 2, SenderID: "u1", Message: model.LeftChatText},
			{MessageID: 3, SenderID: "u2", Message: "unseen"},
		},
	}}, true)

	s.LeaveChat(1, "u1")
	n, _ := s.Get(1)
	if !n.ChatLeft {
		t.Fatal("chat_left flag not set")
	}
	if n.MessageCount() != 2 || n.LastMessage() != model.LeftChatText {
		t.Fatalf("history not trimmed at the sentinel: %+v", n.Messages)
	}
}

func TestOpenAndStandaloneSets(t *testing.T) {
	s := New()
	s.MarkChatOpen(1)
	s.MarkChatOpen(2)
	s.MarkChatClosed(1)
	s.MarkStandalone(2)

	if got := s.OpenChatIDs(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("open chats = %v, want [2]", got)
	}
	if got := s.StandaloneChatIDs(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("standalone chats = %v, want [2]", got)
	}
	s.UnmarkStandalone(2)
	if got := s.StandaloneChatIDs(); len(got) != 0 {
		t.Fatalf("standalone chats = %v, want empty", got)
	}
}

func TestFlags(t *testing.T) {
	s := New()
	s.SetLoading(true)
	s.SetSending(true)
	s.SetError("failed to pin")
	f := s.Flags()
	if !f.Loading || !f.Sending || f.Error != "failed to pin" {
		t.Fatalf("flags = %+v", f)
	}
	s.SetSnapshot(nil, false)
	if s.Flags().Loading {
		t.Fatal("snapshot arrival must clear loading")
	}
}
