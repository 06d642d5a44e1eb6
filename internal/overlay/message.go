// Package overlay defines the displayable unit that flows through the hub and
// its canonical JSON form.
package overlay

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind is the semantic type of a message's content.
type Kind string

const (
	KindStatus     Kind = "status"
	KindAnswer     Kind = "answer"
	KindTranscript Kind = "transcript"
	KindError      Kind = "error"
)

// maxDurationMillis is the largest wire duration representable as a
// time.Duration.
const maxDurationMillis = math.MaxInt64 / int64(time.Millisecond)

// ErrInvalid is returned by Validate and by decoding for messages that cannot
// be published.
var ErrInvalid = errors.New("invalid overlay message")

// Position is a screen placement hint. Width and Height are optional.
type Position struct {
	X      int   `json:"x"`
	Y      int   `json:"y"`
	Width  *uint `json:"width,omitempty"`
	Height *uint `json:"height,omitempty"`
}

// Message is immutable once constructed: use the With* methods to derive
// variants. A zero TTL means the message is ephemeral and never retained.
type Message struct {
	kind     Kind
	content  string
	position *Position
	ttl      time.Duration
}

// New constructs an ephemeral message with no position.
func New(kind Kind, content string) Message {
	return Message{kind: kind, content: content}
}

// WithTTL returns a copy that is retained by the hub for d after publish.
func (m Message) WithTTL(d time.Duration) Message {
	m.ttl = d
	return m
}

// WithPosition returns a copy carrying the given placement hint.
func (m Message) WithPosition(p Position) Message {
	pc := p.clone()
	m.position = &pc
	return m
}

func (p Position) clone() Position {
	if p.Width != nil {
		w := *p.Width
		p.Width = &w
	}
	if p.Height != nil {
		h := *p.Height
		p.Height = &h
	}
	return p
}

func (m Message) Kind() Kind { return m.kind }

func (m Message) Content() string { return m.content }

func (m Message) TTL() time.Duration { return m.ttl }

// Retained reports whether the message carries a TTL.
func (m Message) Retained() bool { return m.ttl > 0 }

// Position returns a copy of the placement hint, if any.
func (m Message) Position() (Position, bool) {
	if m.position == nil {
		return Position{}, false
	}
	return m.position.clone(), true
}

// Validate checks the invariants a publishable message must satisfy.
func (m Message) Validate() error {
	if strings.TrimSpace(string(m.kind)) == "" {
		return fmt.Errorf("%w: message_type is required", ErrInvalid)
	}
	if m.ttl < 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalid)
	}
	return nil
}

// wireMessage mirrors the JSON the overlay clients already speak: the TTL
// travels as "duration" in milliseconds.
type wireMessage struct {
	MessageType Kind      `json:"message_type"`
	Content     string    `json:"content"`
	Position    *Position `json:"position,omitempty"`
	Duration    *int64    `json:"duration,omitempty"`
}

// MarshalJSON encodes the canonical wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		MessageType: m.kind,
		Content:     m.content,
		Position:    m.position,
	}
	if m.ttl > 0 {
		ms := m.ttl.Milliseconds()
		w.Duration = &ms
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. A present duration must be positive.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	msg := Message{kind: w.MessageType, content: w.Content}
	if w.Position != nil {
		msg = msg.WithPosition(*w.Position)
	}
	if w.Duration != nil {
		if *w.Duration <= 0 {
			return fmt.Errorf("%w: duration must be positive, got %d", ErrInvalid, *w.Duration)
		}
		if *w.Duration > maxDurationMillis {
			return fmt.Errorf("%w: duration %dms out of range", ErrInvalid, *w.Duration)
		}
		msg.ttl = time.Duration(*w.Duration) * time.Millisecond
	}
	*m = msg
	return nil
}
