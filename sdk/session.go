package voicelive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiresim/voicelive/pkg/audio"
	"github.com/hiresim/voicelive/pkg/core"
	"github.com/hiresim/voicelive/pkg/core/types"
	"github.com/hiresim/voicelive/pkg/recovery"
	"github.com/hiresim/voicelive/pkg/transcript"
)

// Microphone is the capture source owned by a session. audio.CaptureDevice
// satisfies this.
type Microphone interface {
	Frames() <-chan []byte
	Stop()
}

// MicrophoneOpener acquires microphone access. A denial must surface as a
// permission-category error so the session never auto-retries it.
type MicrophoneOpener func(ctx context.Context) (Microphone, error)

func defaultMicrophoneOpener(ctx context.Context) (Microphone, error) {
	return audio.RequestAccess(ctx)
}

// SessionConfig describes one logical conversation. ConversationID and Sink
// are required; everything else has a default.
type SessionConfig struct {
	ConversationID string
	Purpose        string
	// Greeting, when non-empty, is sent as the agent's opening turn right
	// after the session opens.
	Greeting string

	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Store persists recoverable progress on every transcript mutation.
	// Nil disables recovery.
	Store recovery.Store
	Sink  Sink

	// OpenMicrophone defaults to opening the platform capture device.
	OpenMicrophone MicrophoneOpener

	// Observers. All are invoked synchronously from inside the session and
	// must not call back into it.
	OnState             func(types.ConnectionState)
	OnTranscript        func([]types.TranscriptMessage)
	OnPartialTranscript func(role, text string)
	OnSpeaking          func(bool)
	OnError             func(*core.Error)
}

// Session drives one conversation through its connection state machine. It
// exclusively owns the microphone, the live websocket session, and the
// playback queue; observers see state but never touch the resources.
type Session struct {
	client *Client
	cfg    SessionConfig
	queue  *PlaybackQueue
	log    *transcript.Log

	mu          sync.Mutex
	state       types.ConnectionState
	gen         uint64
	retryCount  int
	lastErr     *core.Error
	retryTimer  *time.Timer
	mic         Microphone
	live        *LiveSession
	startedAt   string
	opened      bool
	flushed     bool
	recoverable *types.RecoverableProgress
}

// NewSession builds a session in the idle state and probes the recovery
// store for resumable progress. It does not touch the network or the
// microphone.
func (c *Client) NewSession(cfg SessionConfig) (*Session, error) {
	if strings.TrimSpace(cfg.ConversationID) == "" {
		return nil, errors.New("session config requires a conversation ID")
	}
	if cfg.Sink == nil {
		return nil, errors.New("session config requires a playback sink")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.OpenMicrophone == nil {
		cfg.OpenMicrophone = defaultMicrophoneOpener
	}

	s := &Session{
		client: c,
		cfg:    cfg,
		state:  types.StateIdle,
	}
	s.queue = NewPlaybackQueue(cfg.Sink, cfg.OnSpeaking)
	s.log = transcript.New(s.persistAndNotify)

	if cfg.Store != nil {
		progress, err := cfg.Store.Load(cfg.ConversationID, cfg.Purpose)
		if err != nil {
			c.logger.Warn("recovery load failed", "conversation_id", cfg.ConversationID, "error", err)
		} else {
			s.recoverable = progress
		}
	}
	return s, nil
}

func (s *Session) persistAndNotify(snapshot []types.TranscriptMessage) {
	if s.cfg.Store != nil {
		s.mu.Lock()
		startedAt := s.startedAt
		s.mu.Unlock()
		progress := types.RecoverableProgress{Transcript: snapshot, StartedAt: startedAt}
		if err := s.cfg.Store.Save(s.cfg.ConversationID, s.cfg.Purpose, progress); err != nil {
			s.client.logger.Warn("recovery save failed", "conversation_id", s.cfg.ConversationID, "error", err)
		}
	}
	if s.cfg.OnTranscript != nil {
		s.cfg.OnTranscript(snapshot)
	}
}

// Recoverable returns progress found in the store at construction, or nil.
// It is never applied automatically; call Resume to adopt it.
func (s *Session) Recoverable() *types.RecoverableProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverable
}

// Resume replaces the transcript wholesale with the recoverable progress.
// Only valid before the first connect.
func (s *Session) Resume() bool {
	s.mu.Lock()
	if s.state != types.StateIdle || s.recoverable == nil {
		s.mu.Unlock()
		return false
	}
	progress := s.recoverable
	s.startedAt = progress.StartedAt
	s.mu.Unlock()

	s.log.Restore(progress.Transcript)
	return true
}

// State returns the current connection state.
func (s *Session) State() types.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetryCount returns how many automatic reconnects this session has made.
// It is never reset for the lifetime of the session object.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// LastError returns the categorized error that put the session in the
// error state, or nil.
func (s *Session) LastError() *core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Transcript returns an immutable copy of the conversation so far.
func (s *Session) Transcript() []types.TranscriptMessage {
	return s.log.Snapshot()
}

// Speaking reports whether agent audio is queued or playing.
func (s *Session) Speaking() bool {
	return s.queue.Speaking()
}

// Connect runs the full open sequence: permission, token exchange, live
// handshake. It is a no-op unless the session is idle or in a retryable
// error state, so concurrent calls can never open duplicate sessions.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != types.StateIdle && s.state != types.StateError {
		s.mu.Unlock()
		return nil
	}
	s.cancelRetryTimerLocked()
	gen := s.gen
	if s.startedAt == "" {
		s.startedAt = time.Now().UTC().Format(time.RFC3339)
	}
	attemptID := uuid.NewString()
	s.transitionLocked(types.StateRequestingPermission)
	s.mu.Unlock()

	logger := s.client.logger.With("conversation_id", s.cfg.ConversationID, "attempt_id", attemptID)
	logger.Info("connecting", "purpose", s.cfg.Purpose)

	mic, err := s.cfg.OpenMicrophone(ctx)
	if err != nil {
		return s.fail(gen, err)
	}
	if s.stale(gen) {
		mic.Stop()
		return nil
	}
	s.transition(gen, types.StateConnecting)

	token, err := s.client.ExchangeToken(ctx, s.cfg.ConversationID, s.cfg.Purpose)
	if err != nil {
		mic.Stop()
		return s.fail(gen, err)
	}
	if s.stale(gen) {
		mic.Stop()
		return nil
	}

	live, err := s.client.DialLive(ctx, token, s.cfg.ConversationID, s.cfg.Purpose)
	if err != nil {
		mic.Stop()
		return s.fail(gen, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		mic.Stop()
		_ = live.Close()
		return nil
	}
	s.mic = mic
	s.live = live
	s.opened = true
	s.lastErr = nil
	s.transitionLocked(types.StateConnected)
	s.mu.Unlock()

	logger.Info("connected")
	if s.cfg.Greeting != "" {
		if err := live.SendGreeting(s.cfg.Greeting); err != nil {
			logger.Warn("greeting send failed", "error", err)
		}
	}

	go s.capturePump(gen, mic, live)
	go s.eventLoop(gen, live)
	return nil
}

// Disconnect is the universal cancellation primitive: it aborts any pending
// connect attempt or retry wait and tears down every owned resource. Safe
// from any state, idempotent under repeated calls.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.cancelRetryTimerLocked()
	mic := s.mic
	live := s.live
	s.mic = nil
	s.live = nil
	if !s.state.Terminal() {
		s.transitionLocked(types.StateEnded)
	}
	s.mu.Unlock()

	if live != nil {
		_ = live.Close()
	}
	if mic != nil {
		mic.Stop()
	}
	s.queue.Interrupt()
}

// Retry schedules one automatic reconnect after the computed backoff. It is
// a no-op unless the session is in a retryable error state; once the retry
// budget is spent it surfaces a terminal message instead.
func (s *Session) Retry() {
	s.mu.Lock()
	if s.state != types.StateError || s.lastErr == nil || !s.lastErr.IsRetryable() {
		s.mu.Unlock()
		return
	}
	if s.retryCount >= s.cfg.MaxRetries {
		exhausted := core.NewTerminalAPIError("the connection could not be re-established after multiple attempts", "retries_exhausted")
		s.lastErr = exhausted
		s.mu.Unlock()
		s.notifyError(exhausted)
		return
	}

	s.retryCount++
	metricRetries.Inc()
	attempt := s.retryCount
	delay := calculateBackoffDelay(attempt-1, s.cfg.BackoffBase, s.cfg.BackoffMax)
	gen := s.gen
	s.transitionLocked(types.StateRetrying)
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.gen != gen || s.state != types.StateRetrying {
			s.mu.Unlock()
			return
		}
		s.retryTimer = nil
		s.lastErr = nil
		s.transitionLocked(types.StateIdle)
		s.mu.Unlock()
		_ = s.Connect(context.Background())
	})
	s.mu.Unlock()

	s.client.logger.Info("retry scheduled",
		"conversation_id", s.cfg.ConversationID,
		"attempt", attempt,
		"delay", delay,
	)
}

// InterruptPlayback flushes queued agent audio locally, e.g. for a
// user-initiated barge-in control.
func (s *Session) InterruptPlayback() {
	s.queue.Interrupt()
}

// EndConversation tears the session down and flushes the transcript to the
// platform exactly once. A failed flush is returned to the caller but the
// session still ends locally, and the recovery entry stays in place so the
// transcript is not lost.
func (s *Session) EndConversation(ctx context.Context) error {
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	if live != nil {
		_ = live.End()
	}
	s.Disconnect()

	s.mu.Lock()
	if s.flushed {
		s.mu.Unlock()
		return nil
	}
	s.flushed = true
	startedAt := s.startedAt
	s.mu.Unlock()

	req := FlushRequest{
		ConversationID: s.cfg.ConversationID,
		Purpose:        s.cfg.Purpose,
		Transcript:     s.log.Messages(),
		StartedAt:      startedAt,
		EndedAt:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.client.FlushTranscript(ctx, req); err != nil {
		s.mu.Lock()
		s.flushed = false
		s.mu.Unlock()
		s.client.logger.Warn("transcript flush failed, keeping recovery entry",
			"conversation_id", s.cfg.ConversationID, "error", err)
		return core.Categorize(err)
	}

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Clear(s.cfg.ConversationID, s.cfg.Purpose); err != nil {
			s.client.logger.Warn("recovery clear failed", "conversation_id", s.cfg.ConversationID, "error", err)
		}
	}
	return nil
}

// capturePump forwards microphone frames to the live session as they
// arrive. A failed send drops that frame and keeps capturing; one lost
// frame must not abort the conversation.
func (s *Session) capturePump(gen uint64, mic Microphone, live *LiveSession) {
	for frame := range mic.Frames() {
		if s.stale(gen) {
			return
		}
		if err := live.SendAudioFrame(frame); err != nil {
			metricFramesDropped.Inc()
			s.client.logger.Warn("capture frame dropped", "error", err)
			continue
		}
		metricFramesSent.Inc()
	}
}

// eventLoop dispatches the closed set of live session events until the
// channel drains.
func (s *Session) eventLoop(gen uint64, live *LiveSession) {
	for event := range live.Events() {
		if s.stale(gen) {
			return
		}
		switch e := event.(type) {
		case OpenedEvent:
			// Handshake ack, already consumed by DialLive.
		case AudioChunkEvent:
			_ = s.queue.Enqueue(e.Data)
		case InputTranscriptEvent:
			if e.Final {
				s.log.AppendUser(e.Text)
			} else if s.cfg.OnPartialTranscript != nil {
				s.cfg.OnPartialTranscript(types.RoleUser, e.Text)
			}
		case OutputTranscriptEvent:
			s.log.AppendAgent(e.Text)
		case TurnCompleteEvent:
			// Turn boundaries carry no session-level action today.
		case InterruptedEvent:
			s.queue.Interrupt()
		case ErroredEvent:
			// Gateway-reported errors end the connection attempt either way;
			// terminal ones are just not retryable afterwards.
			gatewayErr := core.NewAPIError(e.Message, e.Code)
			if e.Terminal {
				gatewayErr = core.NewTerminalAPIError(e.Message, e.Code)
			}
			_ = s.fail(gen, gatewayErr)
			return
		case ClosedEvent:
			s.remoteClosed(gen, e.Clean, live.Err())
			return
		case UnknownEvent:
			s.client.logger.Debug("ignoring unknown live frame", "type", e.Type)
		}
	}
}

// remoteClosed handles the websocket going away. A clean close after a
// successful open ends the conversation; anything else is a failure routed
// through the categorizer.
func (s *Session) remoteClosed(gen uint64, clean bool, cause error) {
	if clean {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		mic := s.mic
		s.mic = nil
		s.live = nil
		s.transitionLocked(types.StateEnded)
		s.mu.Unlock()
		if mic != nil {
			mic.Stop()
		}
		return
	}
	if cause == nil {
		cause = errors.New("live session closed unexpectedly")
	}
	_ = s.fail(gen, cause)
}

// fail categorizes err, tears down connection resources, and moves the
// machine to the error state, unless the attempt has been superseded.
func (s *Session) fail(gen uint64, err error) error {
	categorized := core.Categorize(err)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return categorized
	}
	mic := s.mic
	live := s.live
	s.mic = nil
	s.live = nil
	s.lastErr = categorized
	s.transitionLocked(types.StateError)
	s.mu.Unlock()

	if live != nil {
		_ = live.Close()
	}
	if mic != nil {
		mic.Stop()
	}
	s.queue.Interrupt()

	s.client.logger.Error("session failed",
		"conversation_id", s.cfg.ConversationID,
		"category", categorized.Category,
		"error", categorized,
	)
	s.notifyError(categorized)
	return categorized
}

func (s *Session) notifyError(err *core.Error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func (s *Session) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

func (s *Session) transition(gen uint64, next types.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.transitionLocked(next)
}

// transitionLocked commits a state change and notifies the observer
// synchronously. Caller holds s.mu; observers get the new state as an
// argument and must not call back into the session.
func (s *Session) transitionLocked(next types.ConnectionState) {
	if s.state == next {
		return
	}
	s.state = next
	metricStateTransitions.WithLabelValues(string(next)).Inc()
	if s.cfg.OnState != nil {
		s.cfg.OnState(next)
	}
}

func (s *Session) cancelRetryTimerLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}
