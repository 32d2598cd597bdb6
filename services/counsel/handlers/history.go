// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openlexica/ipcounsel/services/counsel/datatypes"
	"github.com/openlexica/ipcounsel/services/counsel/pipeline"
)

// GetHistory serves GET /v1/history with the full conversation log.
func GetHistory(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		mem := p.Memory()
		turns := mem.History()

		resp := datatypes.HistoryResponse{
			Turns:    make([]datatypes.HistoryTurn, 0, len(turns)),
			Rendered: mem.RenderText(),
		}
		for _, t := range turns {
			resp.Turns = append(resp.Turns, datatypes.HistoryTurn{
				Role: string(t.Role),
				Text: t.Text,
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HealthCheck reports process liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
