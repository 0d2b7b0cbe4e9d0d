package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message — одно сообщение внутри уведомления. Порядок в списке = хронологический.
type Message struct {
	MessageID  int64  `json:"message_id"`
	SenderID   string `json:"sender_id"`
	Message    string `json:"message"`
	SenderName string `json:"sender_name,omitempty"`
}

// LeftChatText — текст системного сообщения о выходе из чата.
// Сервер добавляет его при leave; клиент режет историю по нему (см. TrimAfterLeave).
const LeftChatText = "left the chat"

// MessageList нормализует поле messages: сервер может отдать как JSON-массив,
// так и строку с сериализованным массивом (legacy-формат выгрузки).
type MessageList []Message

func (ml *MessageList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*ml = nil
		return nil
	}
	// Строка => внутри сериализованный массив, разворачиваем.
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("model.MessageList: %w", err)
		}
		if inner == "" {
			*ml = nil
			return nil
		}
		data = []byte(inner)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return fmt.Errorf("model.MessageList: %w", err)
	}
	*ml = msgs
	return nil
}

// TrimAfterLeave возвращает сообщения до (включительно) первого системного
// "left the chat", отправленного самим userID. Если такого сообщения нет —
// список возвращается как есть.
func TrimAfterLeave(msgs []Message, userID string) []Message {
	for i, m := range msgs {
		if m.SenderID == userID && m.Message == LeftChatText {
			return msgs[:i+1]
		}
	}
	return msgs
}
