package viewer

import (
	"time"

	"github.com/native-helper/helper/internal/overlay"
)

const maxFeedEntries = 50

// Entry is a message as the viewer received it.
type Entry struct {
	Message  overlay.Message
	Received time.Time
}

// ExpiresAt reports when a retained message leaves the screen. Ephemeral
// messages stay until pushed out by newer ones.
func (e Entry) ExpiresAt() (time.Time, bool) {
	if !e.Message.Retained() {
		return time.Time{}, false
	}
	return e.Received.Add(e.Message.TTL()), true
}

func (e Entry) live(now time.Time) bool {
	exp, ok := e.ExpiresAt()
	return !ok || now.Before(exp)
}

// Feed is the ordered list of messages on screen, oldest first.
type Feed struct {
	entries []Entry
}

// Add appends msg. A status message replaces an earlier status with the same
// content, so periodic heartbeats refresh one line instead of stacking.
func (f *Feed) Add(msg overlay.Message, now time.Time) {
	if msg.Kind() == overlay.KindStatus {
		f.remove(func(e Entry) bool {
			return e.Message.Kind() == overlay.KindStatus && e.Message.Content() == msg.Content()
		})
	}
	f.entries = append(f.entries, Entry{Message: msg, Received: now})
	if len(f.entries) > maxFeedEntries {
		f.entries = f.entries[len(f.entries)-maxFeedEntries:]
	}
}

// Prune drops retained messages whose TTL has elapsed and reports how many
// were removed.
func (f *Feed) Prune(now time.Time) int {
	return f.remove(func(e Entry) bool { return !e.live(now) })
}

// DropRetained removes every retained message. Used on reconnect, where the
// server replays the live ones.
func (f *Feed) DropRetained() int {
	return f.remove(func(e Entry) bool { return e.Message.Retained() })
}

func (f *Feed) Clear() { f.entries = nil }

func (f *Feed) Len() int { return len(f.entries) }

// Entries returns the messages on screen, oldest first.
func (f *Feed) Entries() []Entry {
	return append([]Entry(nil), f.entries...)
}

func (f *Feed) remove(drop func(Entry) bool) int {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if !drop(e) {
			kept = append(kept, e)
		}
	}
	removed := len(f.entries) - len(kept)
	clear(f.entries[len(kept):])
	f.entries = kept
	return removed
}
