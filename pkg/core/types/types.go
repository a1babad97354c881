// Package types holds the shared data model for voice sessions: connection
// and permission states, transcript messages, and recoverable progress.
package types

import (
	"strings"
	"time"
)

// ConnectionState is the lifecycle state of one voice session. Exactly one
// instance exists per active conversation; it is owned by the session state
// machine and mutated only through its transition function.
type ConnectionState string

const (
	StateIdle                 ConnectionState = "idle"
	StateRequestingPermission ConnectionState = "requesting-permission"
	StateConnecting           ConnectionState = "connecting"
	StateConnected            ConnectionState = "connected"
	StateError                ConnectionState = "error"
	StateEnded                ConnectionState = "ended"
	StateRetrying             ConnectionState = "retrying"
)

// Valid reports whether s is one of the defined connection states.
func (s ConnectionState) Valid() bool {
	switch s {
	case StateIdle, StateRequestingPermission, StateConnecting,
		StateConnected, StateError, StateEnded, StateRetrying:
		return true
	}
	return false
}

// Terminal reports whether the session can never leave s on its own.
// StateError is terminal only once retries are exhausted; that decision
// belongs to the state machine, so it is not reflected here.
func (s ConnectionState) Terminal() bool {
	return s == StateEnded
}

// PermissionState is the normalized microphone permission result.
type PermissionState string

const (
	PermissionPrompt      PermissionState = "prompt"
	PermissionGranted     PermissionState = "granted"
	PermissionDenied      PermissionState = "denied"
	PermissionUnavailable PermissionState = "unavailable"
	PermissionStopped     PermissionState = "stopped"
)

// Conversation roles for transcript messages.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// TranscriptMessage is one committed utterance. Immutable once created.
// Timestamp is the wall-clock arrival time in RFC 3339 UTC, not the time
// the words were spoken.
type TranscriptMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// NewTranscriptMessage stamps a message with the current arrival time.
func NewTranscriptMessage(role, text string) TranscriptMessage {
	return TranscriptMessage{
		Role:      strings.TrimSpace(role),
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// RecoverableProgress is the durable snapshot of a conversation in flight,
// keyed by (conversation ID, purpose) in client-local storage.
type RecoverableProgress struct {
	Transcript []TranscriptMessage `json:"transcript"`
	StartedAt  string              `json:"started_at,omitempty"`
}

// Audio shape exchanged with the gateway. Capture frames go up at
// CaptureSampleRateHz, synthesized speech comes down at PlaybackSampleRateHz,
// both mono 16-bit little-endian PCM.
const (
	CaptureSampleRateHz  = 16000
	PlaybackSampleRateHz = 24000
	Channels             = 1
	BytesPerSample       = 2

	CaptureMimeType  = "audio/pcm;rate=16000"
	PlaybackMimeType = "audio/pcm;rate=24000"
)
