package voicelive

import (
	"fmt"
	"sync"
)

// Sink receives decoded PCM for playback. Write may block until the device
// has room; Reset must drop any buffered-but-unplayed audio immediately.
// audio.Speaker satisfies this.
type Sink interface {
	Write(pcm []byte) error
	Reset() error
}

// PlaybackQueue orders inbound synthesized-speech frames and feeds them to
// a Sink one at a time. Frames play strictly in arrival order; Interrupt
// drops everything queued and silences the sink immediately.
type PlaybackQueue struct {
	mu         sync.Mutex
	sink       Sink
	frames     [][]byte
	draining   bool
	speaking   bool
	epoch      uint64
	closed     bool
	onSpeaking func(bool)
}

// NewPlaybackQueue wraps sink. onSpeaking, if non-nil, fires on every
// speaking-state edge and is called outside the queue lock.
func NewPlaybackQueue(sink Sink, onSpeaking func(bool)) *PlaybackQueue {
	return &PlaybackQueue{sink: sink, onSpeaking: onSpeaking}
}

// Enqueue appends one frame and starts the drain loop if it is not already
// running. Only one drain loop ever exists.
func (q *PlaybackQueue) Enqueue(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("playback queue is closed")
	}
	frame := append([]byte(nil), pcm...)
	q.frames = append(q.frames, frame)
	metricPlaybackDepth.Set(float64(len(q.frames)))
	start := !q.draining
	if start {
		q.draining = true
	}
	notify := q.setSpeakingLocked(true)
	q.mu.Unlock()

	q.notifySpeaking(notify, true)
	if start {
		go q.drain()
	}
	return nil
}

func (q *PlaybackQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.frames) == 0 || q.closed {
			q.draining = false
			notify := q.setSpeakingLocked(false)
			q.mu.Unlock()
			q.notifySpeaking(notify, false)
			return
		}
		frame := q.frames[0]
		q.frames = q.frames[1:]
		metricPlaybackDepth.Set(float64(len(q.frames)))
		epoch := q.epoch
		sink := q.sink
		q.mu.Unlock()

		err := sink.Write(frame)

		q.mu.Lock()
		if q.epoch != epoch {
			// An interrupt landed while Write was in flight; the frame may
			// have reached the device after the reset, so reset again.
			_ = sink.Reset()
		}
		failed := err != nil
		q.mu.Unlock()
		if failed {
			q.Interrupt()
			return
		}
	}
}

// Interrupt discards all queued frames and resets the sink. Frames enqueued
// after Interrupt returns play normally.
func (q *PlaybackQueue) Interrupt() {
	q.mu.Lock()
	q.frames = nil
	metricPlaybackDepth.Set(0)
	q.epoch++
	sink := q.sink
	notify := q.setSpeakingLocked(false)
	q.mu.Unlock()

	_ = sink.Reset()
	q.notifySpeaking(notify, false)
}

// Speaking reports whether queued or in-flight audio remains.
func (q *PlaybackQueue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// Len returns the number of frames queued but not yet handed to the sink.
func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close stops the queue permanently. Subsequent Enqueue calls fail.
func (q *PlaybackQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.frames = nil
	metricPlaybackDepth.Set(0)
	notify := q.setSpeakingLocked(false)
	q.mu.Unlock()
	q.notifySpeaking(notify, false)
}

// setSpeakingLocked flips the speaking flag and reports whether an edge
// notification is due. Caller holds q.mu.
func (q *PlaybackQueue) setSpeakingLocked(speaking bool) bool {
	if q.speaking == speaking {
		return false
	}
	q.speaking = speaking
	return true
}

func (q *PlaybackQueue) notifySpeaking(due bool, speaking bool) {
	if due && q.onSpeaking != nil {
		q.onSpeaking(speaking)
	}
}
