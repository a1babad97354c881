package voicelive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hiresim/voicelive/pkg/core"
	"github.com/hiresim/voicelive/pkg/core/types"
	"github.com/hiresim/voicelive/pkg/live/protocol"
)

const defaultLiveConnectTimeout = 15 * time.Second

// LiveEvent is an event emitted by LiveSession.Events(). The set of
// variants is closed; every gateway frame maps to exactly one of them.
type LiveEvent interface {
	liveEventType() string
}

// OpenedEvent is the gateway's handshake acknowledgement.
type OpenedEvent struct{ SessionID string }

func (e OpenedEvent) liveEventType() string { return protocol.TypeOpened }

// AudioChunkEvent carries one decoded inbound synthesized-speech frame.
type AudioChunkEvent struct {
	Data     []byte
	MimeType string
}

func (e AudioChunkEvent) liveEventType() string { return protocol.TypeAudio }

// InputTranscriptEvent carries transcription of the user's speech.
// Final=false frames are streaming partials.
type InputTranscriptEvent struct {
	Text  string
	Final bool
}

func (e InputTranscriptEvent) liveEventType() string { return protocol.TypeInputTranscript }

// OutputTranscriptEvent carries transcription of the agent's speech.
type OutputTranscriptEvent struct{ Text string }

func (e OutputTranscriptEvent) liveEventType() string { return protocol.TypeOutputTranscript }

// TurnCompleteEvent marks the end of one agent turn.
type TurnCompleteEvent struct{}

func (e TurnCompleteEvent) liveEventType() string { return protocol.TypeTurnComplete }

// InterruptedEvent signals the agent was cut off mid-utterance.
type InterruptedEvent struct{}

func (e InterruptedEvent) liveEventType() string { return protocol.TypeInterrupted }

// ErroredEvent carries a gateway-reported failure.
type ErroredEvent struct {
	Code     string
	Message  string
	Terminal bool
}

func (e ErroredEvent) liveEventType() string { return protocol.TypeError }

// ClosedEvent is emitted once when the websocket closes; Clean reports a
// normal closure.
type ClosedEvent struct{ Clean bool }

func (e ClosedEvent) liveEventType() string { return "closed" }

// UnknownEvent preserves frames this client version does not understand.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) liveEventType() string { return e.Type }

// LiveSession is an open duplex channel to the realtime gateway.
type LiveSession struct {
	conn *websocket.Conn

	events chan LiveEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	seq       atomic.Int64

	errMu sync.Mutex
	err   error
}

// Events yields typed gateway events. The channel is closed after
// ClosedEvent once the websocket goes away.
func (s *LiveSession) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.events
}

// SendAudioFrame base64-encodes one PCM capture frame and sends it
// immediately. Fire-and-forget: delivery is not guaranteed.
func (s *LiveSession) SendAudioFrame(pcm []byte) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	frame := protocol.ClientAudioFrame{
		Type: protocol.TypeAudio,
		Seq:  s.seq.Add(1),
		Audio: protocol.AudioPayload{
			Data:     base64.StdEncoding.EncodeToString(pcm),
			MimeType: types.CaptureMimeType,
		},
	}
	return s.sendJSON(frame)
}

// SendGreeting sends the initial greeting turn.
func (s *LiveSession) SendGreeting(text string) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	return s.sendJSON(protocol.ClientGreeting{Type: protocol.TypeGreeting, Text: text})
}

// End requests a graceful session shutdown.
func (s *LiveSession) End() error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	return s.sendJSON(protocol.ClientEnd{Type: protocol.TypeEnd})
}

func (s *LiveSession) sendJSON(v any) error {
	if s.closed.Load() {
		return fmt.Errorf("live session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close closes the websocket session and waits for the read loop to exit.
func (s *LiveSession) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error (if any) after the session ends.
func (s *LiveSession) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *LiveSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *LiveSession) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.closed.Load()
			if !clean {
				s.setErr(err)
			}
			s.emitEvent(ClosedEvent{Clean: clean})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, frameErr := decodeServerFrame(data)
		if frameErr != nil {
			s.setErr(frameErr)
			s.emitEvent(ClosedEvent{Clean: false})
			return
		}
		if event == nil {
			continue
		}
		s.emitEvent(event)
		if errEvent, ok := event.(ErroredEvent); ok && errEvent.Terminal {
			s.setErr(core.NewTerminalAPIError(strings.TrimSpace(errEvent.Message), errEvent.Code))
		}
	}
}

func (s *LiveSession) emitEvent(event LiveEvent) {
	if event == nil {
		return
	}
	select {
	case s.events <- event:
	default:
		// Avoid deadlocking the read loop if the consumer stops draining.
	}
}

// decodeServerFrame maps one gateway text frame onto the closed LiveEvent
// set. Exhaustive over the protocol's server frame types; anything else
// becomes UnknownEvent.
func decodeServerFrame(data []byte) (LiveEvent, error) {
	typ, err := protocol.EnvelopeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case protocol.TypeOpened:
		var opened protocol.ServerOpened
		if err := json.Unmarshal(data, &opened); err != nil {
			return nil, fmt.Errorf("decode opened: %w", err)
		}
		return OpenedEvent{SessionID: opened.SessionID}, nil
	case protocol.TypeAudio:
		var audio protocol.ServerAudio
		if err := json.Unmarshal(data, &audio); err != nil {
			return nil, fmt.Errorf("decode audio: %w", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(audio.Audio.Data)
		if err != nil {
			return nil, fmt.Errorf("decode audio payload: %w", err)
		}
		mimeType := strings.TrimSpace(audio.Audio.MimeType)
		if mimeType == "" {
			mimeType = types.PlaybackMimeType
		}
		return AudioChunkEvent{Data: pcm, MimeType: mimeType}, nil
	case protocol.TypeInputTranscript:
		var transcript protocol.ServerInputTranscript
		if err := json.Unmarshal(data, &transcript); err != nil {
			return nil, fmt.Errorf("decode input_transcript: %w", err)
		}
		return InputTranscriptEvent{Text: transcript.Text, Final: transcript.Final}, nil
	case protocol.TypeOutputTranscript:
		var transcript protocol.ServerOutputTranscript
		if err := json.Unmarshal(data, &transcript); err != nil {
			return nil, fmt.Errorf("decode output_transcript: %w", err)
		}
		return OutputTranscriptEvent{Text: transcript.Text}, nil
	case protocol.TypeTurnComplete:
		return TurnCompleteEvent{}, nil
	case protocol.TypeInterrupted:
		return InterruptedEvent{}, nil
	case protocol.TypeError:
		var serverErr protocol.ServerError
		if err := json.Unmarshal(data, &serverErr); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		return ErroredEvent{
			Code:     serverErr.Code,
			Message:  serverErr.Message,
			Terminal: serverErr.Terminal,
		}, nil
	default:
		return UnknownEvent{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}

// DialLive opens a live websocket session for one conversation: dial, send
// hello, await the opened ack, then hand the channel to a read loop.
func (c *Client) DialLive(ctx context.Context, token *TokenResponse, conversationID, purpose string) (*LiveSession, error) {
	if token == nil || strings.TrimSpace(token.Token) == "" {
		return nil, core.NewTerminalAPIError("live dial requires a session token", "token_missing")
	}

	endpoint := strings.TrimSpace(token.GatewayURL)
	if endpoint == "" {
		base, err := c.endpoint("/v1/realtime")
		if err != nil {
			return nil, err
		}
		endpoint = base
	}
	wsURL, err := websocketEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	hello := protocol.ClientHello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.ProtocolVersion1,
		Token:           token.Token,
		ConversationID:  conversationID,
		Purpose:         purpose,
		Client: protocol.HelloClient{
			Name:    "voicelive-go",
			Version: Version,
		},
		AudioIn: protocol.AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: types.CaptureSampleRateHz,
			Channels:     types.Channels,
		},
		AudioOut: protocol.AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: types.PlaybackSampleRateHz,
			Channels:     types.Channels,
		},
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultLiveConnectTimeout)
		defer cancel()
	}

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+token.Token)

	conn, resp, err := c.dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &core.TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &core.TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	c.logger.Debug("live hello", "hello", hello.RedactedForLog())
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, &core.TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("send hello: %w", err)}
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultLiveConnectTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, &core.TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("read opened ack: %w", err)}
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, core.NewAPIError(fmt.Sprintf("unexpected first live frame type %d", messageType), "handshake_failed")
	}

	firstEvent, err := decodeServerFrame(payload)
	if err != nil {
		_ = conn.Close()
		return nil, core.NewAPIError(err.Error(), "handshake_failed")
	}
	switch e := firstEvent.(type) {
	case OpenedEvent:
		session := &LiveSession{
			conn:   conn,
			events: make(chan LiveEvent, 256),
			done:   make(chan struct{}),
		}
		// Surface the ack to consumers too.
		session.emitEvent(e)
		go session.readLoop()
		return session, nil
	case ErroredEvent:
		_ = conn.Close()
		if e.Terminal {
			return nil, core.NewTerminalAPIError(strings.TrimSpace(e.Message), e.Code)
		}
		return nil, core.NewAPIError(strings.TrimSpace(e.Message), e.Code)
	default:
		_ = conn.Close()
		return nil, core.NewAPIError(fmt.Sprintf("unexpected first live frame %q", firstEvent.liveEventType()), "handshake_failed")
	}
}
