package models

import (
	"time"
)

// DefaultThreadTitle is shown until the first answer arrives or the user renames the thread.
const DefaultThreadTitle = "New Conversation"

// Thread represents one conversation with the assistant
type Thread struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Messages    []Message `json:"messages"`
	LastMessage string    `json:"lastMessage,omitempty"`
	UpdatedAt   Timestamp `json:"updated_at"`
}

// Message represents one question/answer exchange inside a thread
type Message struct {
	ID        MessageID    `json:"id"`
	UserID    int64        `json:"user_id"`
	ThreadID  string       `json:"thread_id"`
	ParentID  string       `json:"parent_id"`
	Question  string       `json:"question"`
	Result    *QueryResult `json:"result,omitempty"`
	TaskID    string       `json:"task_id,omitempty"`
	CreatedAt Timestamp    `json:"created_at"`
}

// MessageState is derived from which optional fields a message carries.
type MessageState string

const (
	MessagePending  MessageState = "pending"
	MessageResolved MessageState = "resolved"
	MessageFailed   MessageState = "failed"
)

func (m Message) State() MessageState {
	switch {
	case m.Result != nil:
		return MessageResolved
	case m.TaskID != "":
		return MessagePending
	default:
		return MessageFailed
	}
}

// Clone returns a deep copy of t, results included.
func (t Thread) Clone() Thread {
	out := t
	out.Messages = make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		m.Result = m.Result.Clone()
		out.Messages[i] = m
	}
	return out
}

// Touch recomputes the cached preview and bumps the update time.
func (t *Thread) Touch(now time.Time) {
	if n := len(t.Messages); n > 0 {
		t.LastMessage = t.Messages[n-1].Question
	} else {
		t.LastMessage = ""
	}
	t.UpdatedAt = Timestamp{Time: now}
}
