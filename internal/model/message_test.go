package model

import (
	"encoding/json"
	"testing"
)

func TestMessageListUnmarshal(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{"array", `[{"message_id":1,"sender_id":"u1","message":"hi"}]`, 1, false},
		{"string-wrapped array", `"[{\"message_id\":1,\"sender_id\":\"u1\",\"message\":\"hi\"}]"`, 1, false},
		{"null", `null`, 0, false},
		{"empty string", `""`, 0, false},
		{"string with garbage", `"not json"`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ml MessageList
			err := json.Unmarshal([]byte(tc.in), &ml)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", ml)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(ml) != tc.want {
				t.Fatalf("got %d messages, want %d", len(ml), tc.want)
			}
		})
	}
}

func TestMessageListInsideNotification(t *testing.T) {
	raw := `{"notification_id":7,"title":"x","messages":"[{\"message_id\":2,\"sender_id\":\"u9\",\"message\":\"ping\"}]"}`
	var n Notification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.MessageCount() != 1 || n.LastMessage() != "ping" {
		t.Fatalf("unexpected messages: %+v", n.Messages)
	}
}

func TestTrimAfterLeave(t *testing.T) {
	msgs := []Message{
		{MessageID: 1, SenderID: "u1", Message: "hello"},
		{MessageID: 2, SenderID: "u2", Message: "hi"},
		{MessageID: 3, SenderID: "u1", Message: LeftChatText},
		{MessageID: 4, SenderID: "u2", Message: "after leave"},
	}

	got := TrimAfterLeave(msgs, "u1")
	if len(got) != 3 || got[len(got)-1].MessageID != 3 {
		t.Fatalf("expected trim at sentinel inclusive, got %+v", got)
	}

	// Sentinel sent by another user must not trim our history.
	got = TrimAfterLeave(msgs, "u2")
	if len(got) != 4 {
		t.Fatalf("foreign sentinel trimmed history: %+v", got)
	}

	noLeave := msgs[:2]
	if got := TrimAfterLeave(noLeave, "u1"); len(got) != 2 {
		t.Fatalf("no sentinel, list must be unchanged: %+v", got)
	}
}
