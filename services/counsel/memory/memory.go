// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory holds the shared conversation log that every pipeline
// stage reads and that only the turn commit mutates.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Role identifies who produced a turn entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the conversation log.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// TurnSink persists a committed question/answer pair to durable storage.
// Persistence is best-effort: a sink failure degrades future context but
// must never invalidate the answer already produced for the caller.
type TurnSink interface {
	Persist(ctx context.Context, question, answer string) error
}

// ConversationMemory is an append-only, ordered log of conversation turns,
// shared across all in-flight pipeline invocations.
//
// A user turn and its paired assistant turn are appended inside a single
// critical section, so no concurrent reader ever observes one without the
// other. Readers receive copies; the internal slice never escapes.
type ConversationMemory struct {
	mu    sync.Mutex
	turns []Turn
	sink  TurnSink
}

// New returns an empty conversation memory with no persistence sink.
func New() *ConversationMemory {
	return &ConversationMemory{}
}

// NewWithSink returns an empty conversation memory that also forwards every
// committed pair to sink.
func NewWithSink(sink TurnSink) *ConversationMemory {
	return &ConversationMemory{sink: sink}
}

// Commit atomically appends the user turn and its paired assistant turn.
//
// The in-process log is updated unconditionally; if a persistence sink is
// configured its error is returned so the caller can log the degraded state,
// but by then the pair is already visible to concurrent readers.
func (m *ConversationMemory) Commit(ctx context.Context, userText, assistantText string) error {
	m.mu.Lock()
	m.turns = append(m.turns,
		Turn{Role: RoleUser, Text: userText},
		Turn{Role: RoleAssistant, Text: assistantText},
	)
	m.mu.Unlock()

	if m.sink != nil {
		if err := m.sink.Persist(ctx, userText, assistantText); err != nil {
			return fmt.Errorf("turn persisted in memory only: %w", err)
		}
	}
	return nil
}

// History returns a copy of the conversation log in chronological order.
func (m *ConversationMemory) History() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Len returns the number of log entries (two per completed turn).
func (m *ConversationMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// RenderText formats the history as alternating "User: ..." and
// "Assistant: ..." lines for the condense prompt. Empty history renders as
// the empty string.
func (m *ConversationMemory) RenderText() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lines []string
	for _, t := range m.turns {
		if t.Text == "" {
			continue
		}
		who := "User"
		if t.Role == RoleAssistant {
			who = "Assistant"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", who, t.Text))
	}
	return strings.Join(lines, "\n")
}
