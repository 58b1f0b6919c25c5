package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viaiv/console/internal/stream"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func apply(t *testing.T, s *SQLiteStore, conversationID string, events ...stream.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, s.Apply(conversationID, ev))
	}
}

func TestApplyAssemblesMessage(t *testing.T) {
	s := newTestStore(t)

	apply(t, s, "conv-1",
		stream.Event{Type: stream.EventStreamStart, MessageID: "m1", Role: "assistant"},
		stream.Event{Type: stream.EventStreamChunk, MessageID: "m1", Delta: "Hello"},
		stream.Event{Type: stream.EventStreamChunk, MessageID: "m1", Delta: ", world"},
		stream.Event{Type: stream.EventStreamEnd, MessageID: "m1"},
	)

	msgs, err := s.GetTranscript("conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "assistant", msgs[0].Role)
	assert.Equal(t, "Hello, world", msgs[0].Content)
	assert.Equal(t, MessageComplete, msgs[0].Status)
}

func TestApplyInterleavedMessages(t *testing.T) {
	s := newTestStore(t)

	// Two messages streaming at once: chunks are routed by message_id, not
	// by arrival order.
	apply(t, s, "conv-1",
		stream.Event{Type: stream.EventStreamStart, MessageID: "m1"},
		stream.Event{Type: stream.EventStreamStart, MessageID: "m2"},
		stream.Event{Type: stream.EventStreamChunk, MessageID: "m1", Delta: "first "},
		stream.Event{Type: stream.EventStreamChunk, MessageID: "m2", Delta: "second "},
		stream.Event{Type: stream.EventStreamChunk, MessageID: "m1", Delta: "message"},
		stream.Event{Type: stream.EventStreamEnd, MessageID: "m2"},
		stream.Event{Type: stream.EventStreamEnd, MessageID: "m1"},
	)

	msgs, err := s.GetTranscript("conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	byID := map[string]*Message{}
	for _, m := range msgs {
		byID[m.ID] = m
	}
	assert.Equal(t, "first message", byID["m1"].Content)
	assert.Equal(t, MessageComplete, byID["m1"].Status)
	assert.Equal(t, "second ", byID["m2"].Content)
	assert.Equal(t, MessageComplete, byID["m2"].Status)
}

func TestApplyToolCallSpans(t *testing.T) {
	s := newTestStore(t)

	apply(t, s, "conv-1",
		stream.Event{Type: stream.EventStreamStart, MessageID: "m1"},
		stream.Event{Type: stream.EventToolCallStart, MessageID: "m1", ToolCallID: "t1", ToolName: "web_search"},
		stream.Event{Type: stream.EventStreamChunk, MessageID: "m1", Delta: "Looking that up."},
		stream.Event{Type: stream.EventToolCallEnd, MessageID: "m1", ToolCallID: "t1"},
		stream.Event{Type: stream.EventToolCallStart, MessageID: "m1", ToolCallID: "t2", ToolName: "calculator"},
		stream.Event{Type: stream.EventStreamEnd, MessageID: "m1"},
	)

	msgs, err := s.GetTranscript("conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 2)

	first := msgs[0].ToolCalls[0]
	assert.Equal(t, "t1", first.ID)
	assert.Equal(t, "web_search", first.Name)
	assert.Equal(t, ToolDone, first.Status)
	require.NotNil(t, first.FinishedAt)

	// The second span never ended; it stays running with no finish time.
	second := msgs[0].ToolCalls[1]
	assert.Equal(t, ToolRunning, second.Status)
	assert.Nil(t, second.FinishedAt)
}

func TestApplyErrorEvent(t *testing.T) {
	s := newTestStore(t)

	apply(t, s, "conv-1",
		stream.Event{Type: stream.EventStreamStart, MessageID: "m1"},
		stream.Event{Type: stream.EventStreamChunk, MessageID: "m1", Delta: "partial out"},
		stream.Event{Type: stream.EventError, MessageID: "m1", Message: "model overloaded"},
	)

	msgs, err := s.GetTranscript("conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageError, msgs[0].Status)
	assert.Equal(t, "model overloaded", msgs[0].Error)
	assert.Equal(t, "partial out", msgs[0].Content, "partial content survives an error")
}

func TestApplyTitleAndListOrdering(t *testing.T) {
	s := newTestStore(t)

	apply(t, s, "conv-a",
		stream.Event{Type: stream.EventStreamStart, MessageID: "m1"},
		stream.Event{Type: stream.EventTitleUpdated, Title: "First chat"},
	)
	apply(t, s, "conv-b",
		stream.Event{Type: stream.EventStreamStart, MessageID: "m2"},
		stream.Event{Type: stream.EventTitleUpdated, Title: "Second chat"},
	)

	convs, err := s.ListConversations()
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "conv-b", convs[0].ID, "most recently updated first")
	assert.Equal(t, "Second chat", convs[0].Title)
	assert.Equal(t, "First chat", convs[1].Title)
}

func TestApplyIgnoresNonCacheableEvents(t *testing.T) {
	s := newTestStore(t)

	apply(t, s, "conv-1",
		stream.Event{Type: stream.EventPong},
		stream.Event{Type: stream.EventType("tag_from_the_future"), MessageID: "m9"},
		stream.Event{Type: stream.EventStreamChunk, Delta: "no message id"},
		stream.Event{Type: stream.EventStreamChunk, MessageID: "never-started", Delta: "x"},
	)

	convs, err := s.ListConversations()
	require.NoError(t, err)
	assert.Empty(t, convs)

	msgs, err := s.GetTranscript("conv-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeleteConversation(t *testing.T) {
	s := newTestStore(t)

	apply(t, s, "conv-1",
		stream.Event{Type: stream.EventStreamStart, MessageID: "m1"},
		stream.Event{Type: stream.EventToolCallStart, MessageID: "m1", ToolCallID: "t1", ToolName: "fs"},
		stream.Event{Type: stream.EventStreamEnd, MessageID: "m1"},
	)
	apply(t, s, "conv-2",
		stream.Event{Type: stream.EventStreamStart, MessageID: "m2"},
	)

	require.NoError(t, s.DeleteConversation("conv-1"))

	convs, err := s.ListConversations()
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "conv-2", convs[0].ID)

	msgs, err := s.GetTranscript("conv-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	apply(t, s, "conv-1",
		stream.Event{Type: stream.EventStreamStart, MessageID: "m1"},
		stream.Event{Type: stream.EventStreamChunk, MessageID: "m1", Delta: "cached"},
		stream.Event{Type: stream.EventStreamEnd, MessageID: "m1"},
	)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	msgs, err := reopened.GetTranscript("conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "cached", msgs[0].Content)
}
