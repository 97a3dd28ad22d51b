// Package schema defines the event, barrier and result types shared by the bus and its collaborators.
package schema

import (
	"strings"
	"time"

	"github.com/coachpo/barrierbus/errs"
)

// TopicSeparator delimits topic hierarchy levels, e.g. "chat/message".
const TopicSeparator = "/"

// Well-known payload fields used for room routing and rate-limit keys.
const (
	FieldChatID = "chatId"
	FieldRunID  = "runId"
	FieldUserID = "userId"
)

// RoomFields lists the payload fields consulted, in priority order, when deriving a transport room.
var RoomFields = []string{FieldChatID, FieldRunID, FieldUserID}

// EventInput is the caller-supplied shape of an event before publication.
type EventInput struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data"`
}

// Event is an immutable record once published. Handlers share the same
// instance and must treat Data as read-only; use Clone before mutating.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Validate checks the minimal publication requirements.
func (in EventInput) Validate() error {
	if strings.TrimSpace(in.Type) == "" {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	return nil
}

// Materialize builds an event from the input, filling id and timestamp when absent.
func (in EventInput) Materialize(newID func() string, now time.Time) *Event {
	evt := &Event{
		ID:        strings.TrimSpace(in.ID),
		Type:      strings.TrimSpace(in.Type),
		Timestamp: in.Timestamp,
		Data:      in.Data,
	}
	if evt.ID == "" && newID != nil {
		evt.ID = newID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	return evt
}

// StringField returns the trimmed string value stored under key, or "" when
// absent, empty or not a string.
func (e *Event) StringField(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	raw, ok := e.Data[key]
	if !ok || raw == nil {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// FirstField returns the first non-empty string field among keys.
func (e *Event) FirstField(keys ...string) string {
	for _, key := range keys {
		if v := e.StringField(key); v != "" {
			return v
		}
	}
	return ""
}

// RoomID derives the transport room from the well-known payload fields.
func (e *Event) RoomID() string {
	return e.FirstField(RoomFields...)
}

// Clone returns a copy whose top-level data map may be mutated freely.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	if e.Data != nil {
		out.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			out.Data[k] = v
		}
	}
	return &out
}
