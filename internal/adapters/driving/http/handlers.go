package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/swaggo/swag"

	// registers the OpenAPI document
	_ "github.com/custodia-labs/calsynch/internal/adapters/driving/http/docs"
	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driving"
)

// ErrorResponse represents an API error response
// @Description API error response
type ErrorResponse struct {
	Error string `json:"error" example:"invalid request body"`
}

// StatusResponse represents a simple status response
// @Description Simple status response
type StatusResponse struct {
	Status  string `json:"status" example:"ok"`
	Message string `json:"message,omitempty"`
}

// VersionResponse represents the API version response
// @Description API version response
type VersionResponse struct {
	Version string `json:"version" example:"1.0.0"`
}

// ReadyResponse reports engine readiness
// @Description Readiness with engine detail
type ReadyResponse struct {
	Status string             `json:"status" example:"ready"`
	State  domain.EngineState `json:"state" example:"running"`
	Detail any                `json:"detail,omitempty"`
}

// SubscriptionListResponse wraps a subscription list
// @Description Subscription list
type SubscriptionListResponse struct {
	Subscriptions []*domain.Subscription `json:"subscriptions"`
}

// StatsResponse wraps engine counters
// @Description Engine counters
type StatsResponse struct {
	State domain.EngineState `json:"state"`
	Stats []domain.Stat      `json:"stats"`
}

// Health endpoints

// handleHealth godoc
// @Summary      Health check
// @Description  Returns the liveness of the API
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Ready once the engine runs and its queue and lock backends answer
// @Tags         Health
// @Produce      json
// @Success      200  {object}  ReadyResponse
// @Failure      503  {object}  ReadyResponse
// @Router       /ready [get]
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	ready := state == domain.EngineRunning
	var detail any
	if s.health != nil {
		ready, detail = s.health.Ready(r.Context())
	}

	resp := ReadyResponse{Status: "ready", State: state, Detail: detail}
	if !ready {
		resp.Status = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVersion godoc
// @Summary      Get API version
// @Description  Returns the current API version
// @Tags         Health
// @Produce      json
// @Success      200  {object}  VersionResponse
// @Router       /version [get]
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: s.version})
}

func (s *Server) handleSwagger(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc()
	if err != nil {
		writeError(w, http.StatusNotFound, "api documentation not available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, doc)
}

// Subscription endpoints

// handleSubscribe godoc
// @Summary      Create subscription
// @Description  Links two calendars. Returns 201 when both ends accepted it, 202 when it was queued for a retry
// @Tags         Subscriptions
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request  body      driving.SubscribeRequest  true  "Subscription"
// @Success      201      {object}  driving.SubscribeResponse
// @Success      202      {object}  driving.SubscribeResponse
// @Failure      400      {object}  ErrorResponse  "Invalid request"
// @Failure      409      {object}  ErrorResponse  "Subscription already exists"
// @Failure      422      {object}  ErrorResponse  "An end rejected the subscription"
// @Failure      503      {object}  ErrorResponse  "Engine not accepting work"
// @Router       /subscriptions [post]
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req driving.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.engine.Subscribe(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if resp.Status != domain.StatusOK {
		status = http.StatusAccepted
	}
	resp.Subscription = resp.Subscription.Redacted()
	writeJSON(w, status, resp)
}

// handleListSubscriptions godoc
// @Summary      List subscriptions
// @Tags         Subscriptions
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  SubscriptionListResponse
// @Router       /subscriptions [get]
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.engine.List(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	out := make([]*domain.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Redacted())
	}
	writeJSON(w, http.StatusOK, SubscriptionListResponse{Subscriptions: out})
}

// handleGetSubscription godoc
// @Summary      Get subscription
// @Tags         Subscriptions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Subscription ID"
// @Success      200  {object}  domain.Subscription
// @Failure      404  {object}  ErrorResponse
// @Router       /subscriptions/{id} [get]
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub.Redacted())
}

// handleUnsubscribe godoc
// @Summary      Delete subscription
// @Description  Records the unsubscribe and tears the subscription down asynchronously
// @Tags         Subscriptions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Subscription ID"
// @Success      202  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /subscriptions/{id} [delete]
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unsubscribe(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted", Message: "unsubscribe queued"})
}

// handleRefresh godoc
// @Summary      Refresh subscription
// @Description  Drops cached change tokens and reconciles as soon as possible
// @Tags         Subscriptions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Subscription ID"
// @Success      202  {object}  StatusResponse
// @Failure      404  {object}  ErrorResponse
// @Router       /subscriptions/{id}/refresh [post]
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Refresh(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted", Message: "refresh queued"})
}

// handleStatus godoc
// @Summary      Subscription status
// @Description  Validates both ends and reports counters and errors
// @Tags         Subscriptions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Subscription ID"
// @Success      200  {object}  domain.SubscriptionStatus
// @Failure      404  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /subscriptions/{id}/status [get]
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleStats godoc
// @Summary      Engine counters
// @Tags         Engine
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  StatsResponse
// @Router       /stats [get]
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{State: s.engine.State(), Stats: s.engine.Stats(r.Context())})
}

// handleCallback godoc
// @Summary      Connector callback
// @Description  Push notification endpoint. The connector decides the response
// @Tags         Callbacks
// @Accept       json
// @Param        connector  path  string  true  "Connector ID"
// @Success      202
// @Failure      404  {object}  ErrorResponse  "Unknown connector"
// @Failure      413  {object}  ErrorResponse  "Body too large"
// @Router       /callbacks/{connector} [post]
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "callback body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	req := &domain.CallbackRequest{
		ConnectorID: r.PathValue("connector"),
		Header:      r.Header.Clone(),
		Query:       r.URL.Query(),
		Body:        body,
	}
	resp, err := s.engine.HandleCallback(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// writeEngineError maps domain errors to HTTP statuses
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConnectorNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrMissingTarget), errors.Is(err, domain.ErrReadOnly):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrStopping), errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
