package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/hiresim/voicelive/pkg/core/types"
)

// playbackBufferDuration is the device-side buffer length. ~100ms keeps
// latency low without glitching.
const playbackBufferDuration = 100 * time.Millisecond

// Speaker plays mono 16-bit PCM through the platform audio device. It
// implements the playback sink contract used by the session's playback
// queue: Write blocks until the frame is handed to the device, Reset
// discards everything buffered but not yet played.
type Speaker struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	player  *oto.Player
	buf     []byte
	playing bool
	closed  bool
}

// NewSpeaker opens the platform playback device at the synthesized-speech
// sample rate.
func NewSpeaker() (*Speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   types.PlaybackSampleRateHz,
		ChannelCount: types.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   playbackBufferDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &Speaker{otoCtx: otoCtx}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Write queues PCM for playback, starting the device player on first use.
func (s *Speaker) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("speaker is closed")
	}
	s.buf = append(s.buf, data...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// Read implements io.Reader for the device player; it pulls queued PCM and
// blocks until data arrives or the speaker closes.
func (s *Speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		// Feed silence so the device drains instead of underrunning.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Reset discards buffered audio and stops in-flight device playback.
// Called on interruption; audio queued before the reset must never play
// afterwards.
func (s *Speaker) Reset() error {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player != nil && s.playing {
		player := s.player
		s.player = nil
		s.playing = false
		s.mu.Unlock()

		// Pause stops audio immediately; Reset clears the device-side buffer
		// so stale audio cannot overlap whatever plays next.
		player.Pause()
		player.Reset()
		_ = player.Close()
		return nil
	}
	s.mu.Unlock()
	return nil
}

// Close stops playback and releases the device. Idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		_ = player.Close()
	}
	return nil
}
