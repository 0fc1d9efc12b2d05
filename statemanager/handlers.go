package statemanager

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/workhubhq/workhub/coordinator"
)

// StatsSource supplies live coordination statistics; coordinator.Store
// implements it.
type StatsSource interface {
	CollectStats(ctx context.Context) (*coordinator.Stats, error)
	Checkpoints(ctx context.Context, perspective string) ([]coordinator.CheckpointInfo, error)
	ResetPerspective(ctx context.Context, streamID uuid.UUID, perspective string) (bool, error)
}

// CheckpointResetRequest names one failed checkpoint to put back in rotation.
type CheckpointResetRequest struct {
	StreamID    uuid.UUID `json:"stream_id"`
	Perspective string    `json:"perspective"`
}

// RegisterRoutes adds the operation-tracking endpoints to an Echo group.
func (m *Manager) RegisterRoutes(g *echo.Group) {
	g.GET("/state", m.handleListOperations)
	g.GET("/state/stats", m.handleGetStats)
	g.GET("/state/:id", m.handleGetOperation)
}

// RegisterCoordinationRoutes adds the live coordinator statistics
// endpoints backed by source.
func (m *Manager) RegisterCoordinationRoutes(g *echo.Group, source StatsSource) {
	g.GET("/coordination/stats", func(c echo.Context) error {
		stats, err := source.CollectStats(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
		}
		return c.JSON(http.StatusOK, stats)
	})
	g.GET("/coordination/checkpoints", func(c echo.Context) error {
		checkpoints, err := source.Checkpoints(c.Request().Context(), c.QueryParam("perspective"))
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
		}
		return c.JSON(http.StatusOK, checkpoints)
	})
	g.POST("/coordination/checkpoints/reset", func(c echo.Context) error {
		var req CheckpointResetRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "invalid request body",
			})
		}
		if req.StreamID == uuid.Nil || req.Perspective == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "stream_id and perspective are required",
			})
		}
		reset, err := source.ResetPerspective(c.Request().Context(), req.StreamID, req.Perspective)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
		}
		if !reset {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "no failed checkpoint for that stream and perspective",
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
	})
}

// handleListOperations returns all tracked operations
func (m *Manager) handleListOperations(c echo.Context) error {
	return c.JSON(http.StatusOK, m.ListOperations())
}

// handleGetOperation returns a specific operation by ID
func (m *Manager) handleGetOperation(c echo.Context) error {
	id := c.Param("id")
	op := m.GetOperation(id)
	if op == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "operation not found",
		})
	}
	return c.JSON(http.StatusOK, op)
}

// handleGetStats returns aggregated statistics
func (m *Manager) handleGetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, m.GetStats())
}
