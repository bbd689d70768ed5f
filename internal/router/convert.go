package router

import (
	"github.com/MrWong99/meetflow/internal/session"
	"github.com/MrWong99/meetflow/pkg/store"
)

func fromStore(msgs []store.Message) []session.Message {
	out := make([]session.Message, 0, len(msgs)+2)
	for _, m := range msgs {
		out = append(out, session.NewMessage(m.Role, m.Content, m.CreatedAt))
	}
	return out
}

func toStore(history []session.Message) []store.Message {
	out := make([]store.Message, len(history))
	for i, m := range history {
		out[i] = store.Message{Role: m.Role, Content: m.Content, CreatedAt: m.Timestamp}
	}
	return out
}
