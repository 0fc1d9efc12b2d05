// Package api exposes the HTTP submission surface of a node: callers
// exchange a credential for a bearer token, then hand messages and events
// to the dispatcher and read event streams back.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/dispatch"
	"github.com/workhubhq/workhub/message"
)

// Sender accepts messages into the durable buffer. Satisfied by
// *dispatch.Dispatcher.
type Sender interface {
	Send(ctx context.Context, msg dispatch.Message) (dispatch.DeliveryReceipt, error)
}

// EventReader reads back stored events. Satisfied by *coordinator.Store.
type EventReader interface {
	ReadStream(ctx context.Context, streamID uuid.UUID, afterEventID *uuid.UUID, limit int) ([]coordinator.StoredEvent, error)
}

type Handlers struct {
	Sender Sender
	Events EventReader
	JWT    *JWTService
}

// SetupRoutes mounts the public token endpoint and the protected /api
// group on e. The JWT secret doubles as the signing key for issued tokens.
func SetupRoutes(e *echo.Echo, h *Handlers, secret string) {
	e.POST("/auth/token", h.GenerateToken)

	protected := e.Group("/api")
	protected.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(secret),
		TokenLookup: "header:Authorization:Bearer ",
	}))

	protected.POST("/messages", h.SubmitMessage)
	protected.POST("/events", h.SubmitEvent)
	protected.GET("/streams/:id/events", h.GetStreamEvents)
}

type TokenRequest struct {
	Subject string `json:"subject"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

func (h *Handlers) GenerateToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	if req.Subject == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "subject is required"})
	}

	token, err := h.JWT.GenerateToken(req.Subject, 24*time.Hour)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to generate token"})
	}

	return c.JSON(http.StatusOK, TokenResponse{Token: token})
}

// SubmitRequest is one message or event handed over HTTP. The payload
// stays opaque; the engine only needs routing fields.
type SubmitRequest struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination"`
	StreamID    *uuid.UUID      `json:"stream_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (h *Handlers) SubmitMessage(c echo.Context) error {
	return h.submit(c, false)
}

func (h *Handlers) SubmitEvent(c echo.Context) error {
	return h.submit(c, true)
}

func (h *Handlers) submit(c echo.Context, isEvent bool) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid message format"})
	}

	if req.Type == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "type is required"})
	}
	if req.Destination == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "destination is required"})
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	receipt, err := h.Sender.Send(c.Request().Context(), dispatch.Message{
		Type:        req.Type,
		Destination: req.Destination,
		Envelope:    message.NewEnvelope(req.Payload),
		StreamID:    req.StreamID,
		IsEvent:     isEvent,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to accept message"})
	}

	return c.JSON(http.StatusAccepted, receipt)
}

func (h *Handlers) GetStreamEvents(c echo.Context) error {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid stream id"})
	}

	var after *uuid.UUID
	if raw := c.QueryParam("after"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid after cursor"})
		}
		after = &id
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
	}

	events, err := h.Events.ReadStream(c.Request().Context(), streamID, after, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read stream"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"stream_id": streamID,
		"events":    events,
		"count":     len(events),
	})
}
