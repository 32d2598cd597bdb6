// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openlexica/ipcounsel/services/counsel/datatypes"
	"github.com/openlexica/ipcounsel/services/counsel/pipeline"
	"github.com/openlexica/ipcounsel/services/counsel/retrieval"
	"github.com/openlexica/ipcounsel/services/policy"
)

var askTracer = otel.Tracer("ipcounsel.counsel.handlers")

// Fixed user-facing strings. Internal error detail never leaves the
// process; callers get one of these or a real answer.
const (
	promptForInputMessage = "Please ask a legal question."
	fallbackAnswer        = "Sorry, I couldn't generate an answer."
)

// HandleAsk serves POST /v1/ask.
//
// An empty or whitespace-only question short-circuits before any stage or
// capability is touched. A policy finding rejects the question with 403.
// A pipeline failure is logged with its category and converted into the
// fixed fallback answer.
func HandleAsk(p *pipeline.Pipeline, engine *policy.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := askTracer.Start(c.Request.Context(), "HandleAsk")
		defer span.End()

		var req datatypes.AskRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the ask request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		question := strings.TrimSpace(req.Question)
		if question == "" {
			c.JSON(http.StatusOK, datatypes.AskResponse{Answer: promptForInputMessage})
			return
		}

		if engine != nil {
			if findings := engine.ScanContent(question); len(findings) > 0 {
				span.SetAttributes(attribute.Int("policy.findings", len(findings)))
				slog.Warn("Blocked question due to policy violation", "findings", len(findings))
				c.JSON(http.StatusForbidden, gin.H{
					"error":    "Policy Violation: Question contains sensitive data.",
					"findings": findings,
				})
				return
			}
		}

		state, err := p.Ask(ctx, question)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Turn failed",
				"error", err,
				"retrieval_unavailable", retrieval.IsUnavailable(err),
				"completion_failure", pipeline.IsCompletionFailure(err),
			)
			c.JSON(http.StatusOK, datatypes.AskResponse{Answer: fallbackAnswer})
			return
		}

		span.SetAttributes(attribute.Bool("turn.degraded", state.Degraded))
		c.JSON(http.StatusOK, datatypes.AskResponse{
			Answer:          state.Final,
			StandaloneQuery: state.StandaloneQuery,
			Degraded:        state.Degraded,
		})
	}
}
