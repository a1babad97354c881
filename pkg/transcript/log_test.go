package transcript

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiresim/voicelive/pkg/core/types"
)

func TestAppendPreservesArrivalOrder(t *testing.T) {
	log := New(nil)
	log.AppendUser("hello")
	log.AppendAgent("hi, thanks for joining")
	log.AppendUser("glad to be here")

	got := log.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, types.RoleUser, got[0].Role)
	assert.Equal(t, types.RoleAgent, got[1].Role)
	assert.Equal(t, "glad to be here", got[2].Text)
	for _, msg := range got {
		_, err := time.Parse(time.RFC3339, msg.Timestamp)
		assert.NoError(t, err, "timestamp must be RFC 3339")
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	log := New(nil)
	log.AppendUser("original")
	snap := log.Snapshot()
	snap[0].Text = "mutated"
	assert.Equal(t, "original", log.Messages()[0].Text)
}

func TestOnAppendSeesFullTranscript(t *testing.T) {
	var saved [][]types.TranscriptMessage
	log := New(func(msgs []types.TranscriptMessage) {
		saved = append(saved, msgs)
	})
	log.AppendUser("one")
	log.AppendAgent("two")

	require.Len(t, saved, 2)
	assert.Len(t, saved[0], 1)
	assert.Len(t, saved[1], 2)
}

func TestRestoreReplacesWholesale(t *testing.T) {
	log := New(nil)
	log.AppendUser("live message")

	restored := []types.TranscriptMessage{
		{Role: types.RoleUser, Text: "from before reload", Timestamp: "2026-08-25T10:00:00Z"},
		{Role: types.RoleAgent, Text: "welcome back", Timestamp: "2026-08-25T10:00:02Z"},
	}
	log.Restore(restored)

	got := log.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, "from before reload", got[0].Text)
}

func TestConcurrentAppendersLoseNoUpdates(t *testing.T) {
	log := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			log.AppendUser("u")
		}()
		go func() {
			defer wg.Done()
			log.AppendAgent("a")
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, log.Len())
}
