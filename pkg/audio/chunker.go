// Package audio provides the microphone capture pipeline and speaker sink
// for live voice sessions: device access behind a small permission gate,
// raw samples re-framed into fixed-size PCM chunks, and playback through
// the platform audio device.
package audio

// FrameBytes is the fixed outbound frame size: 20 ms of 16 kHz mono
// 16-bit PCM.
const FrameBytes = 640

// Chunker re-frames an arbitrary byte stream of PCM samples into
// fixed-size frames. Not safe for concurrent use; the capture callback is
// the only producer.
type Chunker struct {
	frameBytes int
	pending    []byte
}

// NewChunker creates a chunker emitting frames of frameBytes bytes.
func NewChunker(frameBytes int) *Chunker {
	if frameBytes <= 0 {
		frameBytes = FrameBytes
	}
	return &Chunker{
		frameBytes: frameBytes,
		pending:    make([]byte, 0, frameBytes*2),
	}
}

// Push appends raw samples and returns every complete frame now available.
// Returned frames are freshly allocated and safe to retain.
func (c *Chunker) Push(samples []byte) [][]byte {
	if len(samples) == 0 {
		return nil
	}
	c.pending = append(c.pending, samples...)

	var frames [][]byte
	offset := 0
	for len(c.pending)-offset >= c.frameBytes {
		frame := make([]byte, c.frameBytes)
		copy(frame, c.pending[offset:offset+c.frameBytes])
		frames = append(frames, frame)
		offset += c.frameBytes
	}
	if offset > 0 {
		remaining := copy(c.pending, c.pending[offset:])
		c.pending = c.pending[:remaining]
	}
	return frames
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (c *Chunker) Pending() int {
	return len(c.pending)
}
