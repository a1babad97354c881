package voicelive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hiresim/voicelive/pkg/core"
	"github.com/hiresim/voicelive/pkg/core/types"
	"github.com/hiresim/voicelive/pkg/live/protocol"
	"github.com/hiresim/voicelive/pkg/recovery"
)

type fakeMic struct {
	frames chan []byte

	mu    sync.Mutex
	stops int
}

func newFakeMic() *fakeMic {
	return &fakeMic{frames: make(chan []byte, 16)}
}

func (m *fakeMic) Frames() <-chan []byte { return m.frames }

func (m *fakeMic) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.stops == 1 {
		close(m.frames)
	}
}

func (m *fakeMic) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// testPlatform fakes the token endpoint, the transcript flush endpoint, and
// the live websocket gateway behind one httptest server.
type testPlatform struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	tokenCalls  int
	tokenFail   int // serve this many failures before succeeding
	tokenStatus int
	flushStatus int
	flushes     []FlushRequest
	audioFrames int
	greetings   []string

	gateway func(conn *websocket.Conn)
}

func newTestPlatform(t *testing.T) *testPlatform {
	t.Helper()
	p := &testPlatform{t: t, tokenStatus: http.StatusBadGateway, flushStatus: http.StatusOK}
	p.gateway = p.defaultGateway

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/realtime/token":
			p.mu.Lock()
			p.tokenCalls++
			fail := p.tokenFail > 0
			if fail {
				p.tokenFail--
			}
			status := p.tokenStatus
			p.mu.Unlock()
			if fail {
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":"token service unavailable"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(TokenResponse{Token: "tok_live"})
		case "/v1/realtime/transcript":
			var req FlushRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			p.mu.Lock()
			p.flushes = append(p.flushes, req)
			status := p.flushStatus
			p.mu.Unlock()
			w.WriteHeader(status)
		case "/v1/realtime":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			p.mu.Lock()
			gateway := p.gateway
			p.mu.Unlock()
			gateway(conn)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

// defaultGateway acks the hello and then echoes session traffic until the
// client goes away, counting audio frames and recording greetings.
func (p *testPlatform) defaultGateway(conn *websocket.Conn) {
	defer conn.Close()

	var hello protocol.ClientHello
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	_ = conn.WriteJSON(protocol.ServerOpened{Type: protocol.TypeOpened, SessionID: "sess_test"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		typ, err := protocol.EnvelopeType(data)
		if err != nil {
			continue
		}
		switch typ {
		case protocol.TypeAudio:
			p.mu.Lock()
			p.audioFrames++
			p.mu.Unlock()
		case protocol.TypeGreeting:
			var greeting protocol.ClientGreeting
			_ = json.Unmarshal(data, &greeting)
			p.mu.Lock()
			p.greetings = append(p.greetings, greeting.Text)
			p.mu.Unlock()
		case protocol.TypeEnd:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			return
		}
	}
}

func (p *testPlatform) tokenCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

func (p *testPlatform) flushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.flushes)
}

func (p *testPlatform) audioFrameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioFrames
}

func newTestSession(t *testing.T, p *testPlatform, mic *fakeMic, mutate func(*SessionConfig)) (*Session, *recovery.MemoryStore) {
	t.Helper()

	store := recovery.NewMemoryStore()
	cfg := SessionConfig{
		ConversationID: "conv_test",
		Purpose:        "screening",
		Store:          store,
		Sink:           &recordingSink{},
		BackoffBase:    time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
		OpenMicrophone: func(ctx context.Context) (Microphone, error) { return mic, nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	client := NewClient(WithBaseURL(p.server.URL), WithAPIKey("sk_test"))
	session, err := client.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(session.Disconnect)
	return session, store
}

func waitState(t *testing.T, s *Session, want types.ConnectionState) {
	t.Helper()
	waitUntil(t, 2*time.Second, func() bool { return s.State() == want })
}

func TestSessionConnect_NoOpWhileConnected(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	session, _ := newTestSession(t, p, newFakeMic(), nil)

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, session, types.StateConnected)

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := session.State(); got != types.StateConnected {
		t.Fatalf("state = %q after duplicate connect", got)
	}
	if got := p.tokenCallCount(); got != 1 {
		t.Fatalf("token calls = %d, want 1", got)
	}
	if got := session.RetryCount(); got != 0 {
		t.Fatalf("retry count = %d, want 0", got)
	}
}

func TestSessionDisconnect_IdempotentFromAnyState(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	mic := newFakeMic()
	session, _ := newTestSession(t, p, mic, nil)

	// Disconnect before any connect is safe.
	session.Disconnect()
	if got := session.State(); got != types.StateEnded {
		t.Fatalf("state = %q, want ended", got)
	}

	session2, _ := newTestSession(t, p, mic, nil)
	if err := session2.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, session2, types.StateConnected)

	session2.Disconnect()
	session2.Disconnect()
	session2.Disconnect()

	if got := session2.State(); got != types.StateEnded {
		t.Fatalf("state = %q, want ended", got)
	}
	if got := mic.stopCount(); got < 1 {
		t.Fatalf("microphone never stopped")
	}
}

func TestSessionRetry_PermissionErrorIsNoOp(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	var gotErr *core.Error
	session, _ := newTestSession(t, p, nil, func(cfg *SessionConfig) {
		cfg.OpenMicrophone = func(ctx context.Context) (Microphone, error) {
			return nil, core.NewPermissionError("microphone access denied")
		}
		cfg.OnError = func(err *core.Error) { gotErr = err }
	})

	if err := session.Connect(context.Background()); err == nil {
		t.Fatalf("Connect succeeded, want permission error")
	}
	if got := session.State(); got != types.StateError {
		t.Fatalf("state = %q, want error", got)
	}
	if gotErr == nil || gotErr.Category != core.CategoryPermission {
		t.Fatalf("observer error = %+v, want permission category", gotErr)
	}

	session.Retry()
	time.Sleep(20 * time.Millisecond)
	if got := session.State(); got != types.StateError {
		t.Fatalf("state = %q after retry of permission error, want error", got)
	}
	if got := session.RetryCount(); got != 0 {
		t.Fatalf("retry count = %d, want 0", got)
	}
	if got := p.tokenCallCount(); got != 0 {
		t.Fatalf("token calls = %d, want 0", got)
	}
}

func TestSessionRetry_BudgetExhaustionSurfacesTerminalMessage(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	p.mu.Lock()
	p.tokenFail = 100
	p.mu.Unlock()

	var mu sync.Mutex
	var observed []*core.Error
	session, _ := newTestSession(t, p, newFakeMic(), func(cfg *SessionConfig) {
		cfg.MaxRetries = 3
		cfg.OpenMicrophone = func(ctx context.Context) (Microphone, error) { return newFakeMic(), nil }
		cfg.OnError = func(err *core.Error) {
			mu.Lock()
			observed = append(observed, err)
			mu.Unlock()
		}
	})

	if err := session.Connect(context.Background()); err == nil {
		t.Fatalf("Connect succeeded, want token failure")
	}
	waitState(t, session, types.StateError)

	for want := 1; want <= 3; want++ {
		session.Retry()
		waitUntil(t, 2*time.Second, func() bool {
			return session.RetryCount() == want && session.State() == types.StateError
		})
	}
	if got := p.tokenCallCount(); got != 4 {
		t.Fatalf("token calls = %d, want 4 (initial + 3 retries)", got)
	}

	session.Retry()
	time.Sleep(20 * time.Millisecond)
	if got := session.RetryCount(); got != 3 {
		t.Fatalf("retry count = %d after exhausted retry, want 3", got)
	}
	if got := session.LastError(); got == nil || got.IsRetryable() {
		t.Fatalf("last error = %+v, want terminal", got)
	}
	if got := p.tokenCallCount(); got != 4 {
		t.Fatalf("token calls = %d after exhausted retry, want 4", got)
	}

	mu.Lock()
	last := observed[len(observed)-1]
	mu.Unlock()
	if last.UserMessage == "" {
		t.Fatalf("terminal error carries no user message")
	}
}

func TestSessionRetry_NetworkFailureThenReconnect(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	p.mu.Lock()
	p.tokenFail = 1
	p.mu.Unlock()

	session, _ := newTestSession(t, p, newFakeMic(), func(cfg *SessionConfig) {
		cfg.OpenMicrophone = func(ctx context.Context) (Microphone, error) { return newFakeMic(), nil }
	})

	if err := session.Connect(context.Background()); err == nil {
		t.Fatalf("Connect succeeded, want token failure")
	}
	if got := session.LastError(); got == nil || !got.IsRetryable() {
		t.Fatalf("last error = %+v, want retryable", got)
	}

	session.Retry()
	waitState(t, session, types.StateConnected)
	if got := session.RetryCount(); got != 1 {
		t.Fatalf("retry count = %d after successful reconnect, want 1", got)
	}
	if got := session.LastError(); got != nil {
		t.Fatalf("last error = %+v after reconnect, want nil", got)
	}
}

func TestSessionHappyPath_EndToEnd(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	p.mu.Lock()
	p.gateway = func(conn *websocket.Conn) {
		defer conn.Close()
		var hello protocol.ClientHello
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.ServerOpened{Type: protocol.TypeOpened})
		_ = conn.WriteJSON(protocol.ServerInputTranscript{Type: protocol.TypeInputTranscript, Text: "tell me about the role", Final: true})
		_ = conn.WriteJSON(protocol.ServerOutputTranscript{Type: protocol.TypeOutputTranscript, Text: "it is a backend position"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	p.mu.Unlock()

	mic := newFakeMic()
	session, store := newTestSession(t, p, mic, nil)

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, session, types.StateConnected)
	waitUntil(t, 2*time.Second, func() bool { return len(session.Transcript()) == 2 })

	// Progress is recoverable while the conversation is live.
	progress, err := store.Load("conv_test", "screening")
	if err != nil || progress == nil {
		t.Fatalf("recovery entry missing mid-conversation: %v", err)
	}

	if err := session.EndConversation(context.Background()); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}
	if got := session.State(); got != types.StateEnded {
		t.Fatalf("state = %q, want ended", got)
	}
	if got := p.flushCount(); got != 1 {
		t.Fatalf("flush calls = %d, want 1", got)
	}

	p.mu.Lock()
	flush := p.flushes[0]
	p.mu.Unlock()
	if flush.ConversationID != "conv_test" || len(flush.Transcript) != 2 {
		t.Fatalf("flush = %+v", flush)
	}
	if flush.Transcript[0].Role != types.RoleUser || flush.Transcript[1].Role != types.RoleAgent {
		t.Fatalf("flush order = %q, %q", flush.Transcript[0].Role, flush.Transcript[1].Role)
	}
	if flush.StartedAt == "" || flush.EndedAt == "" {
		t.Fatalf("flush missing timestamps: %+v", flush)
	}

	progress, err = store.Load("conv_test", "screening")
	if err != nil {
		t.Fatalf("Load after clear: %v", err)
	}
	if progress != nil {
		t.Fatalf("recovery entry survived a successful flush")
	}

	// A second EndConversation must not flush again.
	if err := session.EndConversation(context.Background()); err != nil {
		t.Fatalf("repeat EndConversation: %v", err)
	}
	if got := p.flushCount(); got != 1 {
		t.Fatalf("flush calls = %d after repeat end, want 1", got)
	}
}

func TestSessionEnd_FlushFailureKeepsRecoveryEntry(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	p.mu.Lock()
	p.flushStatus = http.StatusInternalServerError
	p.gateway = func(conn *websocket.Conn) {
		defer conn.Close()
		var hello protocol.ClientHello
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.ServerOpened{Type: protocol.TypeOpened})
		_ = conn.WriteJSON(protocol.ServerInputTranscript{Type: protocol.TypeInputTranscript, Text: "hello", Final: true})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	p.mu.Unlock()

	session, store := newTestSession(t, p, newFakeMic(), nil)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(session.Transcript()) == 1 })

	err := session.EndConversation(context.Background())
	if err == nil {
		t.Fatalf("EndConversation succeeded, want flush failure")
	}
	if got := session.State(); got != types.StateEnded {
		t.Fatalf("state = %q after failed flush, want ended", got)
	}

	progress, loadErr := store.Load("conv_test", "screening")
	if loadErr != nil || progress == nil {
		t.Fatalf("recovery entry was lost after failed flush: %v", loadErr)
	}
	if len(progress.Transcript) != 1 || progress.Transcript[0].Text != "hello" {
		t.Fatalf("recovered transcript = %+v", progress.Transcript)
	}
}

func TestSessionCapture_ForwardsMicFramesToGateway(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	mic := newFakeMic()
	session, _ := newTestSession(t, p, mic, func(cfg *SessionConfig) {
		cfg.Greeting = "welcome to the interview"
	})

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, session, types.StateConnected)

	mic.frames <- []byte{1, 2}
	mic.frames <- []byte{3, 4}
	waitUntil(t, 2*time.Second, func() bool { return p.audioFrameCount() == 2 })

	p.mu.Lock()
	greetings := append([]string(nil), p.greetings...)
	p.mu.Unlock()
	if len(greetings) != 1 || greetings[0] != "welcome to the interview" {
		t.Fatalf("greetings = %v", greetings)
	}
}

func TestSessionInterrupted_FlushesPlaybackQueue(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	release := make(chan struct{})
	sink := &recordingSink{gate: release}

	p.mu.Lock()
	p.gateway = func(conn *websocket.Conn) {
		defer conn.Close()
		var hello protocol.ClientHello
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.ServerOpened{Type: protocol.TypeOpened})
		for i := 0; i < 4; i++ {
			_ = conn.WriteJSON(protocol.ServerAudio{Type: protocol.TypeAudio, Audio: protocol.AudioPayload{Data: "AAAA"}})
		}
		_ = conn.WriteJSON(protocol.ServerInterrupted{Type: protocol.TypeInterrupted})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	p.mu.Unlock()

	session, _ := newTestSession(t, p, newFakeMic(), func(cfg *SessionConfig) {
		cfg.Sink = sink
	})
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return !session.Speaking() && sink.active.Load() == 1 })
	close(release)

	waitUntil(t, 2*time.Second, func() bool { return sink.active.Load() == 0 })
	writes, _ := sink.snapshot()
	if len(writes) > 1 {
		t.Fatalf("frames played after interruption: %d", len(writes))
	}
}

func TestSessionGatewayError_NonTerminalReachesErrorStateRetryable(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	dials := 0
	p.mu.Lock()
	p.gateway = func(conn *websocket.Conn) {
		defer conn.Close()
		var hello protocol.ClientHello
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.ServerOpened{Type: protocol.TypeOpened})

		p.mu.Lock()
		dials++
		first := dials == 1
		p.mu.Unlock()
		if first {
			_ = conn.WriteJSON(protocol.ServerError{Type: protocol.TypeError, Code: "upstream_overloaded", Message: "model temporarily unavailable"})
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	p.mu.Unlock()

	mic := newFakeMic()
	var mu sync.Mutex
	var observed []*core.Error
	micOpens := 0
	session, _ := newTestSession(t, p, mic, func(cfg *SessionConfig) {
		cfg.OpenMicrophone = func(ctx context.Context) (Microphone, error) {
			mu.Lock()
			micOpens++
			first := micOpens == 1
			mu.Unlock()
			if first {
				return mic, nil
			}
			return newFakeMic(), nil
		}
		cfg.OnError = func(err *core.Error) {
			mu.Lock()
			observed = append(observed, err)
			mu.Unlock()
		}
	})

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, session, types.StateError)

	lastErr := session.LastError()
	if lastErr == nil || lastErr.Category != core.CategoryAPI {
		t.Fatalf("last error = %+v, want api category", lastErr)
	}
	if !lastErr.IsRetryable() {
		t.Fatalf("non-terminal gateway error must be retryable")
	}
	if lastErr.Code != "upstream_overloaded" {
		t.Fatalf("code = %q", lastErr.Code)
	}
	if got := mic.stopCount(); got < 1 {
		t.Fatalf("microphone not released after gateway error")
	}

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	})

	// The documented retry path is reachable from here.
	session.Retry()
	waitState(t, session, types.StateConnected)
	if got := session.RetryCount(); got != 1 {
		t.Fatalf("retry count = %d after reconnect, want 1", got)
	}
}

func TestSessionGatewayError_TerminalIsNotRetryable(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	p.mu.Lock()
	p.gateway = func(conn *websocket.Conn) {
		defer conn.Close()
		var hello protocol.ClientHello
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.ServerOpened{Type: protocol.TypeOpened})
		_ = conn.WriteJSON(protocol.ServerError{Type: protocol.TypeError, Code: "session_expired", Message: "token expired", Terminal: true})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
	p.mu.Unlock()

	session, _ := newTestSession(t, p, newFakeMic(), nil)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, session, types.StateError)

	if lastErr := session.LastError(); lastErr == nil || lastErr.IsRetryable() {
		t.Fatalf("last error = %+v, want terminal", lastErr)
	}
	session.Retry()
	time.Sleep(20 * time.Millisecond)
	if got := session.RetryCount(); got != 0 {
		t.Fatalf("retry count = %d after terminal gateway error, want 0", got)
	}
}

func TestSessionResume_RestoresRecoverableTranscript(t *testing.T) {
	t.Parallel()

	p := newTestPlatform(t)
	store := recovery.NewMemoryStore()
	saved := types.RecoverableProgress{
		Transcript: []types.TranscriptMessage{
			{Role: types.RoleUser, Text: "where were we", Timestamp: "2026-08-25T10:00:00Z"},
		},
		StartedAt: "2026-08-25T09:59:00Z",
	}
	if err := store.Save("conv_test", "screening", saved); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	client := NewClient(WithBaseURL(p.server.URL))
	session, err := client.NewSession(SessionConfig{
		ConversationID: "conv_test",
		Purpose:        "screening",
		Store:          store,
		Sink:           &recordingSink{},
		OpenMicrophone: func(ctx context.Context) (Microphone, error) { return newFakeMic(), nil },
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(session.Disconnect)

	progress := session.Recoverable()
	if progress == nil || len(progress.Transcript) != 1 {
		t.Fatalf("Recoverable() = %+v", progress)
	}

	if !session.Resume() {
		t.Fatalf("Resume() = false, want true")
	}
	transcript := session.Transcript()
	if len(transcript) != 1 || transcript[0].Text != "where were we" {
		t.Fatalf("transcript after resume = %+v", transcript)
	}

	// Resume is rejected once the session has left idle.
	session.Disconnect()
	if session.Resume() {
		t.Fatalf("Resume() succeeded after disconnect")
	}
}

func TestNewSession_ValidatesConfig(t *testing.T) {
	t.Parallel()

	client := NewClient(WithBaseURL("http://unused.invalid"))
	if _, err := client.NewSession(SessionConfig{Sink: &recordingSink{}}); err == nil {
		t.Fatalf("expected error for missing conversation ID")
	}
	if _, err := client.NewSession(SessionConfig{ConversationID: "conv"}); err == nil {
		t.Fatalf("expected error for missing sink")
	}
	if !strings.Contains(func() string {
		_, err := client.NewSession(SessionConfig{})
		return err.Error()
	}(), "conversation ID") {
		t.Fatalf("missing conversation ID error is not descriptive")
	}
}
