package msgbuf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Message is one chat line as written to a member's personal feed.
type Message struct {
	Body        string `json:"body"`
	DisplayName string `json:"displayName"`
	Address     string `json:"address"`
	Timestamp   int64  `json:"timestamp"` // unix milliseconds

	// Index is the feed position the message was read from.
	Index uint64 `json:"-"`
}

func (m Message) Time() time.Time { return time.UnixMilli(m.Timestamp) }

func (m Message) size() int {
	return len(m.Body) + len(m.DisplayName) + len(m.Address) + 16
}

// Encode serializes m for a feed blob.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a feed blob, rejecting unknown fields and empty addresses.
func Decode(data []byte) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("msgbuf: decode message: %w", err)
	}
	if m.Address == "" || m.Timestamp <= 0 {
		return Message{}, fmt.Errorf("msgbuf: message missing address or timestamp")
	}
	return m, nil
}
