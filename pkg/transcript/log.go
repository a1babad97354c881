// Package transcript maintains the ordered message log of one voice
// conversation.
//
// Two independent transcription streams (user speech and agent speech)
// append to the same log; messages interleave by arrival time. The log is
// append-only during a live connection and is replaced wholesale only when
// recoverable progress is restored, never merged.
package transcript

import (
	"sync"

	"github.com/hiresim/voicelive/pkg/core/types"
)

// Log is a thread-safe, append-only transcript. The zero value is not
// usable; construct with New.
type Log struct {
	mu       sync.Mutex
	messages []types.TranscriptMessage
	onAppend func([]types.TranscriptMessage)
}

// New creates an empty log. onAppend, if non-nil, is invoked synchronously
// after every mutation with a snapshot of the full transcript; the session
// uses it to persist recoverable progress.
func New(onAppend func([]types.TranscriptMessage)) *Log {
	return &Log{
		messages: make([]types.TranscriptMessage, 0, 16),
		onAppend: onAppend,
	}
}

// Append stamps a message with the current arrival time and commits it.
func (l *Log) Append(role, text string) types.TranscriptMessage {
	msg := types.NewTranscriptMessage(role, text)
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	snapshot := l.snapshotLocked()
	hook := l.onAppend
	l.mu.Unlock()
	if hook != nil {
		hook(snapshot)
	}
	return msg
}

// AppendUser commits a user utterance.
func (l *Log) AppendUser(text string) types.TranscriptMessage {
	return l.Append(types.RoleUser, text)
}

// AppendAgent commits an agent utterance.
func (l *Log) AppendAgent(text string) types.TranscriptMessage {
	return l.Append(types.RoleAgent, text)
}

// Restore replaces the whole log with previously persisted messages. Used
// only when resuming from the recovery store.
func (l *Log) Restore(messages []types.TranscriptMessage) {
	l.mu.Lock()
	l.messages = append(l.messages[:0], messages...)
	snapshot := l.snapshotLocked()
	hook := l.onAppend
	l.mu.Unlock()
	if hook != nil {
		hook(snapshot)
	}
}

// Snapshot returns an immutable copy for rendering.
func (l *Log) Snapshot() []types.TranscriptMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Messages returns the latest committed transcript. End-of-conversation
// flush reads through here so it never observes a stale view.
func (l *Log) Messages() []types.TranscriptMessage {
	return l.Snapshot()
}

// Len returns the number of committed messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func (l *Log) snapshotLocked() []types.TranscriptMessage {
	out := make([]types.TranscriptMessage, len(l.messages))
	copy(out, l.messages)
	return out
}
