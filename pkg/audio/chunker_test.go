package audio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerEmitsFixedFrames(t *testing.T) {
	c := NewChunker(4)

	frames := c.Push([]byte{1, 2})
	assert.Empty(t, frames)
	assert.Equal(t, 2, c.Pending())

	frames = c.Push([]byte{3, 4, 5})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0])
	assert.Equal(t, 1, c.Pending())
}

func TestChunkerEmitsMultipleFramesPerPush(t *testing.T) {
	c := NewChunker(2)
	frames := c.Push([]byte{1, 2, 3, 4, 5})
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{1, 2}, frames[0])
	assert.Equal(t, []byte{3, 4}, frames[1])
	assert.Equal(t, 1, c.Pending())
}

func TestChunkerFramesDoNotAlias(t *testing.T) {
	c := NewChunker(2)
	frames := c.Push([]byte{1, 2})
	require.Len(t, frames, 1)
	first := append([]byte(nil), frames[0]...)

	c.Push([]byte{9, 9})
	assert.True(t, bytes.Equal(first, frames[0]), "emitted frame mutated by later push")
}

func TestChunkerPreservesByteOrderAcrossPushes(t *testing.T) {
	c := NewChunker(3)
	var got []byte
	for _, b := range []byte{10, 11, 12, 13, 14, 15, 16} {
		for _, frame := range c.Push([]byte{b}) {
			got = append(got, frame...)
		}
	}
	assert.Equal(t, []byte{10, 11, 12, 13, 14, 15}, got)
	assert.Equal(t, 1, c.Pending())
}

func TestChunkerDefaultsToCaptureFrameSize(t *testing.T) {
	c := NewChunker(0)
	frames := c.Push(make([]byte, FrameBytes))
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], FrameBytes)
}

func TestChunkerIgnoresEmptyPush(t *testing.T) {
	c := NewChunker(4)
	assert.Nil(t, c.Push(nil))
	assert.Zero(t, c.Pending())
}
