// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockTurnSink implements TurnSink for testing.
type MockTurnSink struct {
	// PersistError is returned by every Persist call
	PersistError error
	// PersistCallCount tracks how many times Persist was called
	PersistCallCount int
	// LastQuestion and LastAnswer store the last pair passed to Persist
	LastQuestion string
	LastAnswer   string
}

func (m *MockTurnSink) Persist(ctx context.Context, question, answer string) error {
	m.PersistCallCount++
	m.LastQuestion = question
	m.LastAnswer = answer
	return m.PersistError
}

// TestCommit_AppendsPairedTurns verifies that one commit produces exactly
// two entries in order: the user turn then the assistant turn.
func TestCommit_AppendsPairedTurns(t *testing.T) {
	mem := New()

	err := mem.Commit(context.Background(), "What is Section 302?", "Section 302 covers murder.")
	require.NoError(t, err)

	turns := mem.History()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "What is Section 302?", turns[0].Text)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, "Section 302 covers murder.", turns[1].Text)
}

// TestCommit_ForwardsToSink verifies that a configured sink receives every
// committed pair.
func TestCommit_ForwardsToSink(t *testing.T) {
	sink := &MockTurnSink{}
	mem := NewWithSink(sink)

	err := mem.Commit(context.Background(), "question", "answer")
	require.NoError(t, err)

	assert.Equal(t, 1, sink.PersistCallCount)
	assert.Equal(t, "question", sink.LastQuestion)
	assert.Equal(t, "answer", sink.LastAnswer)
}

// TestCommit_SinkFailureKeepsInProcessLog verifies that a failing sink
// reports an error but the pair is still visible in the log.
func TestCommit_SinkFailureKeepsInProcessLog(t *testing.T) {
	sink := &MockTurnSink{PersistError: errors.New("weaviate down")}
	mem := NewWithSink(sink)

	err := mem.Commit(context.Background(), "question", "answer")
	assert.Error(t, err)
	assert.ErrorContains(t, err, "persisted in memory only")

	assert.Equal(t, 2, mem.Len())
}

// TestHistory_ReturnsCopy verifies that mutating the returned slice does
// not affect the internal log.
func TestHistory_ReturnsCopy(t *testing.T) {
	mem := New()
	require.NoError(t, mem.Commit(context.Background(), "q", "a"))

	turns := mem.History()
	turns[0].Text = "tampered"

	fresh := mem.History()
	assert.Equal(t, "q", fresh[0].Text)
}

// TestRenderText_Format verifies the alternating User/Assistant line
// format consumed by the condense prompt.
func TestRenderText_Format(t *testing.T) {
	mem := New()
	require.NoError(t, mem.Commit(context.Background(), "What is Section 420?", "It covers cheating."))
	require.NoError(t, mem.Commit(context.Background(), "What is its punishment?", "Up to seven years."))

	want := "User: What is Section 420?\n" +
		"Assistant: It covers cheating.\n" +
		"User: What is its punishment?\n" +
		"Assistant: Up to seven years."
	assert.Equal(t, want, mem.RenderText())
}

// TestRenderText_SkipsEmptyEntries verifies that empty texts produce no
// lines.
func TestRenderText_SkipsEmptyEntries(t *testing.T) {
	mem := New()
	require.NoError(t, mem.Commit(context.Background(), "question", ""))

	assert.Equal(t, "User: question", mem.RenderText())
}

// TestRenderText_Idempotent verifies that rendering twice without an
// intervening commit yields identical output.
func TestRenderText_Idempotent(t *testing.T) {
	mem := New()
	require.NoError(t, mem.Commit(context.Background(), "q", "a"))

	first := mem.RenderText()
	second := mem.RenderText()
	assert.Equal(t, first, second)
}

// TestRenderText_EmptyHistory verifies that an empty log renders as the
// empty string.
func TestRenderText_EmptyHistory(t *testing.T) {
	assert.Equal(t, "", New().RenderText())
}

// TestCommit_ConcurrentPairsStayAdjacent verifies that under concurrent
// commits every user turn is immediately followed by its own assistant
// turn; pairs never interleave.
func TestCommit_ConcurrentPairsStayAdjacent(t *testing.T) {
	mem := New()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q := fmt.Sprintf("q%d", n)
			a := fmt.Sprintf("a%d", n)
			_ = mem.Commit(context.Background(), q, a)
		}(i)
	}
	wg.Wait()

	turns := mem.History()
	require.Len(t, turns, writers*2)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, RoleUser, turns[i].Role)
		assert.Equal(t, RoleAssistant, turns[i+1].Role)
		// The assistant text must answer the adjacent user text.
		assert.Equal(t, "a"+turns[i].Text[1:], turns[i+1].Text)
	}
}
