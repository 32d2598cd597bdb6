// Copyright (C) 2025 OpenLexica (legal@openlexica.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/openlexica/ipcounsel/services/counsel/handlers"
	"github.com/openlexica/ipcounsel/services/counsel/pipeline"
	"github.com/openlexica/ipcounsel/services/policy"
)

func SetupRoutes(router *gin.Engine, p *pipeline.Pipeline, policyEngine *policy.Engine) {
	router.GET("/health", handlers.HealthCheck)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/ask", handlers.HandleAsk(p, policyEngine))
		v1.GET("/history", handlers.GetHistory(p))
	}
}
