// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

// WeaviateTurnSink persists committed turns as Conversation objects so the
// dialogue survives a process restart. The in-process log stays the source
// of truth for condensation; this is recovery data only.
type WeaviateTurnSink struct {
	client    *weaviate.Client
	sessionID string
}

var _ TurnSink = (*WeaviateTurnSink)(nil)

func NewWeaviateTurnSink(client *weaviate.Client, sessionID string) *WeaviateTurnSink {
	return &WeaviateTurnSink{client: client, sessionID: sessionID}
}

// Persist writes one question/answer pair as a Conversation object.
func (s *WeaviateTurnSink) Persist(ctx context.Context, question, answer string) error {
	properties := map[string]interface{}{
		"session_id": s.sessionID,
		"question":   question,
		"answer":     answer,
		"timestamp":  time.Now().UnixMilli(),
	}

	_, err := s.client.Data().Creator().
		WithClassName("Conversation").
		WithProperties(properties).
		Do(ctx)
	if err != nil {
		slog.Error("Failed to save conversation turn to Weaviate", "sessionId", s.sessionID, "error", err)
		return fmt.Errorf("failed to save conversation turn: %w", err)
	}
	return nil
}
