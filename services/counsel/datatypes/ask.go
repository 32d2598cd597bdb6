// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the wire types of the counsel HTTP API.
package datatypes

// AskRequest is the inbound question payload.
type AskRequest struct {
	Question string `json:"question"`
}

// AskResponse is the answer payload. StandaloneQuery and Degraded expose
// what the condense stage did with the question; clients may ignore them.
type AskResponse struct {
	Answer          string `json:"answer"`
	StandaloneQuery string `json:"standalone_query,omitempty"`
	Degraded        bool   `json:"degraded,omitempty"`
}

// HistoryResponse is the conversation log payload for the admin surface.
type HistoryResponse struct {
	Turns    []HistoryTurn `json:"turns"`
	Rendered string        `json:"rendered"`
}

// HistoryTurn is one conversation log entry.
type HistoryTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}
