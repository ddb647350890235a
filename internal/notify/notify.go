// Package notify delivers "table changed" signals between devices.
//
// Notifications are hints: a receiver refetches the named table, so a lost
// or duplicated message costs at most one extra pull.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperengineering/mutuelle"
)

// Message is the wire form of one change notification.
type Message struct {
	Table  mutuelle.Table `json:"table"`
	Device string         `json:"device,omitempty"`
	At     time.Time      `json:"at"`
}

// Encode returns the JSON payload for m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a notification payload.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("notify: decode: %w", err)
	}
	if !m.Table.IsValid() {
		return Message{}, fmt.Errorf("notify: %w: %q", mutuelle.ErrUnknownTable, m.Table)
	}
	return m, nil
}

// filter drops notifications for unwatched tables and our own echoes.
type filter struct {
	tables map[mutuelle.Table]bool
	device string
}

func newFilter(tables []mutuelle.Table, device string) filter {
	f := filter{tables: make(map[mutuelle.Table]bool, len(tables)), device: device}
	for _, t := range tables {
		f.tables[t] = true
	}
	return f
}

func (f filter) accept(m Message) bool {
	if f.device != "" && m.Device == f.device {
		return false
	}
	return f.tables[m.Table]
}
