// Package protocol defines the wire frames exchanged with the realtime
// voice gateway over its websocket channel.
//
// All frames are JSON text messages with a "type" discriminator. The client
// sends a hello, one greeting turn, and audio frames; the server answers
// with an opened ack and then interleaves audio, transcription, turn and
// lifecycle frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

// Frame type discriminators.
const (
	TypeHello            = "hello"
	TypeGreeting         = "greeting"
	TypeAudio            = "audio"
	TypeEnd              = "end"
	TypeOpened           = "opened"
	TypeInputTranscript  = "input_transcript"
	TypeOutputTranscript = "output_transcript"
	TypeTurnComplete     = "turn_complete"
	TypeInterrupted      = "interrupted"
	TypeError            = "error"
)

// AudioFormat describes one direction of the negotiated audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// AudioPayload carries one opaque base64-encoded PCM frame.
type AudioPayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// HelloClient identifies the connecting client for gateway-side logs.
type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ClientHello opens a live session. Token is the short-lived credential from
// the token exchange endpoint, scoped to one conversation.
type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Token           string      `json:"token"`
	ConversationID  string      `json:"conversation_id"`
	Purpose         string      `json:"purpose,omitempty"`
	Client          HelloClient `json:"client,omitempty"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
}

// RedactedForLog returns a hello view safe for structured logging.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"conversation_id":  h.ConversationID,
		"purpose":          h.Purpose,
		"audio_in":         h.AudioIn,
		"audio_out":        h.AudioOut,
		"has_token":        strings.TrimSpace(h.Token) != "",
	}
}

// ClientGreeting is the initial greeting turn spoken by the agent.
type ClientGreeting struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientAudioFrame carries one outbound microphone frame.
type ClientAudioFrame struct {
	Type  string       `json:"type"`
	Seq   int64        `json:"seq,omitempty"`
	Audio AudioPayload `json:"audio"`
}

// ClientEnd requests a graceful session shutdown.
type ClientEnd struct {
	Type string `json:"type"`
}

// ServerOpened acknowledges the hello; the session is live once received.
type ServerOpened struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// ServerAudio carries one inbound synthesized-speech frame.
type ServerAudio struct {
	Type  string       `json:"type"`
	Seq   int64        `json:"seq,omitempty"`
	Audio AudioPayload `json:"audio"`
}

// ServerInputTranscript carries transcription of what the user said.
// Final=false frames are streaming partials and are never committed to the
// transcript log.
type ServerInputTranscript struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// ServerOutputTranscript carries transcription of what the agent said.
type ServerOutputTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ServerTurnComplete marks the end of one agent turn.
type ServerTurnComplete struct {
	Type string `json:"type"`
}

// ServerInterrupted signals the agent was cut off mid-utterance; clients
// must flush queued playback immediately.
type ServerInterrupted struct {
	Type string `json:"type"`
}

// ServerError reports a gateway-side failure. Terminal errors end the
// conversation and must not be retried.
type ServerError struct {
	Type     string `json:"type"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal,omitempty"`
}

// EnvelopeType extracts the frame discriminator without decoding the body.
func EnvelopeType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("decode frame envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", fmt.Errorf("frame missing type")
	}
	return typ, nil
}
