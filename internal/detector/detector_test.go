package detector

import (
	"testing"

	"github.com/notisync/internal/model"
)

func baseNotification(id int64) model.Notification {
	return model.Notification{
		NotificationID: id,
		Title:          "thread",
		Archived:       model.ArchivedNo,
		Messages: model.MessageList{
			{MessageID: 1, SenderID: "u1", Message: "hello"},
		},
	}
}

func TestHasChanges(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		mutate func(s []model.Notification) []model.Notification
		want   bool
	}{
		{
			name:   "identical snapshots",
			mutate: func(s []model.Notification) []model.Notification { return s },
			want:   false,
		},
		{
			name: "element added",
			mutate: func(s []model.Notification) []model.Notification {
				return append(s, baseNotification(99))
			},
			want: true,
		},
		{
			name: "element removed",
			mutate: func(s []model.Notification) []model.Notification {
				return s[:len(s)-1]
			},
			want: true,
		},
		{
			name: "same length, different id",
			mutate: func(s []model.Notification) []model.Notification {
				s[0].NotificationID = 42
				return s
			},
			want: true,
		},
		{
			name: "read flag flipped",
			mutate: func(s []model.Notification) []model.Notification {
				s[0].IsReadByUser = true
				return s
			},
			want: true,
		},
		{
			name: "archived flag flipped",
			mutate: func(s []model.Notification) []model.Notification {
				s[0].Archived = model.ArchivedYes
				return s
			},
			want: true,
		},
		{
			name: "message appended",
			mutate: func(s []model.Notification) []model.Notification {
				s[0].Messages = append(s[0].Messages, model.Message{MessageID: 2, SenderID: "u2", Message: "more"})
				return s
			},
			want: true,
		},
		{
			name: "title change ignored by default",
			mutate: func(s []model.Notification) []model.Notification {
				s[0].Title = "renamed"
				return s
			},
			want: false,
		},
		{
			name:   "title change detected when compared",
			policy: Policy{CompareTitle: true},
			mutate: func(s []model.Notification) []model.Notification {
				s[0].Title = "renamed"
				return s
			},
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			current := []model.Notification{baseNotification(1), baseNotification(2)}
			incoming := tc.mutate([]model.Notification{baseNotification(1), baseNotification(2)})
			if got := tc.policy.HasChanges(current, incoming); got != tc.want {
				t.Fatalf("HasChanges = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHasChangesEmpty(t *testing.T) {
	if HasChanges(nil, nil) {
		t.Fatal("nil vs nil must not report changes")
	}
	if !HasChanges(nil, []model.Notification{baseNotification(1)}) {
		t.Fatal("nil vs non-empty must report changes")
	}
}
