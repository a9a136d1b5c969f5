// internal/model/event.go
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReadEventKind tags a ReadEvent
type ReadEventKind string

const (
	ReadEventPayload ReadEventKind = "payload"
	ReadEventDesync  ReadEventKind = "desync"
)

// EventMeta describes where and when a read event was assembled
type EventMeta struct {
	UID        string    `json:"uid"`
	Length     int       `json:"length"`
	Chunks     int       `json:"chunks"`
	ReceivedAt time.Time `json:"received_at"`
}

// ReadEvent is either a reassembled inbound message or a desync marker.
// A desync means chunks were lost and the partial message was discarded.
type ReadEvent struct {
	Kind    ReadEventKind `json:"kind"`
	Payload []byte        `json:"payload,omitempty"`
	Meta    EventMeta     `json:"meta"`
}

// NewPayloadEvent builds a payload event
func NewPayloadEvent(uid string, payload []byte, chunks int) ReadEvent {
	return ReadEvent{
		Kind:    ReadEventPayload,
		Payload: payload,
		Meta: EventMeta{
			UID:        uid,
			Length:     len(payload),
			Chunks:     chunks,
			ReceivedAt: time.Now(),
		},
	}
}

// NewDesyncEvent builds a desync event
func NewDesyncEvent(uid string) ReadEvent {
	return ReadEvent{
		Kind: ReadEventDesync,
		Meta: EventMeta{UID: uid, ReceivedAt: time.Now()},
	}
}

// IsDesync reports whether the event marks lost synchronization
func (e ReadEvent) IsDesync() bool {
	return e.Kind == ReadEventDesync
}

// Text decodes the payload as a string
func (e ReadEvent) Text() string {
	return string(e.Payload)
}

func (e ReadEvent) String() string {
	if e.IsDesync() {
		return "Stream was out of sync."
	}
	return fmt.Sprintf("Message (Length: %d) %s", e.Meta.Length, e.Text())
}

// ErrorKind is the line error reported by the bricklet
type ErrorKind uint8

const (
	ErrorKindOverrun ErrorKind = iota
	ErrorKindParity
	ErrorKindFraming
)

var errorKindNames = []string{"overrun", "parity", "framing"}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("error(%d)", uint8(k))
}

// MarshalText encodes the kind by name
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name
func (k *ErrorKind) UnmarshalText(text []byte) error {
	for i, name := range errorKindNames {
		if name == string(text) {
			*k = ErrorKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// ErrorEvent is one line error callback
type ErrorEvent struct {
	UID        string    `json:"uid"`
	Kind       ErrorKind `json:"kind"`
	ReceivedAt time.Time `json:"received_at"`
}

// StoredEvent is a journal row
type StoredEvent struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	UID        string        `json:"uid" db:"uid"`
	Kind       ReadEventKind `json:"kind" db:"kind"`
	Payload    []byte        `json:"payload,omitempty" db:"payload"`
	Length     int           `json:"length" db:"length"`
	Meta       JSONObject    `json:"meta,omitempty" db:"meta"`
	ReceivedAt time.Time     `json:"received_at" db:"received_at"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// NewStoredEvent converts a read event into a journal row
func NewStoredEvent(ev ReadEvent) *StoredEvent {
	return &StoredEvent{
		ID:         uuid.New(),
		UID:        ev.Meta.UID,
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		Length:     ev.Meta.Length,
		Meta:       JSONObject{"chunks": ev.Meta.Chunks},
		ReceivedAt: ev.Meta.ReceivedAt,
	}
}

// EventFilter selects journal rows
type EventFilter struct {
	UID    string        `json:"uid,omitempty"`
	Kind   ReadEventKind `json:"kind,omitempty"`
	Since  *time.Time    `json:"since,omitempty"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ParseReadEventKind parses "payload" or "desync"; empty means any
func ParseReadEventKind(s string) (ReadEventKind, error) {
	switch strings.ToLower(s) {
	case "":
		return "", nil
	case string(ReadEventPayload):
		return ReadEventPayload, nil
	case string(ReadEventDesync):
		return ReadEventDesync, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}
