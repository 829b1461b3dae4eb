package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// MessageID accepts both numeric ids assigned by the backend and string ids
// generated on the client.
type MessageID string

func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = MessageID(n.String())
	return nil
}

// zoneless is the layout the backend uses for created_at.
const zoneless = "2006-01-02T15:04:05"

var timestampLayouts = []string{time.RFC3339Nano, zoneless, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"}

// Timestamp is a time.Time that tolerates the backend's zone-less format.
type Timestamp struct {
	time.Time
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		ts.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			ts.Time = t
			return nil
		}
		lastErr = err
	}
	return lastErr
}
