/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/provideplatform/meshsync/attestation"
	"github.com/provideplatform/meshsync/envelope"
	"github.com/provideplatform/meshsync/mesh"
)

const defaultRetryLimit = 100

// InstallAPI registers the mesh sync and attestation handlers with gin
func InstallAPI(r *gin.Engine, meshService *mesh.Service, attestationService *attestation.Service) {
	r.GET("/api/v1/mesh/status", meshStatusHandler(meshService))
	r.POST("/api/v1/mesh/state", publishStateDeltaHandler(meshService))
	r.POST("/api/v1/mesh/retry", retryPendingHandler(meshService))

	r.GET("/api/v1/attestation/status", attestationStatusHandler(attestationService))
}

func meshStatusHandler(service *mesh.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, service.Status())
	}
}

func publishStateDeltaHandler(service *mesh.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		delta := envelope.StateDelta{}
		if err := c.ShouldBindJSON(&delta); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "failed to parse state delta"})
			return
		}

		result := service.PublishStateDelta(c.Request.Context(), delta, nil, 0)
		switch result.Status {
		case mesh.StatusPublished:
			c.JSON(http.StatusOK, result)
		case mesh.StatusDisabled:
			c.JSON(http.StatusNotImplemented, result)
		case mesh.StatusUnconfigured:
			c.JSON(http.StatusUnprocessableEntity, result)
		default:
			// pending_publish and degraded results are durably capped by
			// the outbox; surface the transport failure to the caller
			c.JSON(http.StatusBadGateway, result)
		}
	}
}

func retryPendingHandler(service *mesh.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var params struct {
			Limit int `json:"limit"`
		}
		c.ShouldBindJSON(&params)
		if params.Limit <= 0 {
			params.Limit = defaultRetryLimit
		}

		c.JSON(http.StatusOK, service.RetryPendingMeshEvents(c.Request.Context(), params.Limit))
	}
}

func attestationStatusHandler(service *attestation.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, service.Status())
	}
}
