package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEvents(t *testing.T, buf *bytes.Buffer) []event {
	t.Helper()
	var events []event
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e event
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		events = append(events, e)
	}
	return events
}

func TestStageRunEmitsStartAndFinish(t *testing.T) {
	var buf bytes.Buffer
	stage := NewEventLog(&buf).Stage("Updating job", 2)

	require.NoError(t, stage.Run("web/0", func() error { return nil }))
	require.Error(t, stage.Run("web/1", func() error { return errors.New("boom") }))

	events := decodeEvents(t, &buf)
	require.Len(t, events, 4)

	assert.Equal(t, "Updating job", events[0].Stage)
	assert.Equal(t, "web/0", events[0].Task)
	assert.Equal(t, 1, events[0].Index)
	assert.Equal(t, 2, events[0].Total)
	assert.Equal(t, "started", events[0].State)
	assert.Equal(t, 0, events[0].Progress)

	assert.Equal(t, "finished", events[1].State)
	assert.Equal(t, 100, events[1].Progress)

	assert.Equal(t, "web/1", events[2].Task)
	assert.Equal(t, 2, events[2].Index)
	assert.Equal(t, "failed", events[3].State)
}

func TestStageRunConcurrent(t *testing.T) {
	var buf bytes.Buffer
	stage := NewEventLog(&buf).Stage("Compiling packages", 8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = stage.Run("pkg", func() error { return nil })
		}()
	}
	wg.Wait()

	events := decodeEvents(t, &buf)
	require.Len(t, events, 16)
	seen := make(map[int]int)
	for _, e := range events {
		seen[e.Index]++
	}
	for i := 1; i <= 8; i++ {
		assert.Equal(t, 2, seen[i], "index %d", i)
	}
}
