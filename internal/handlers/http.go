package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/idot-digital/webhook-broker/internal/apperrors"
	"github.com/idot-digital/webhook-broker/internal/dispatcher"
	"github.com/idot-digital/webhook-broker/internal/ledger"
	"github.com/idot-digital/webhook-broker/internal/middleware"
	"github.com/idot-digital/webhook-broker/internal/models"
	"github.com/idot-digital/webhook-broker/internal/server"
)

const (
	maxBodyBytes = 1 << 20

	MessageServerRunning     = "Server is running"
	MessageSubscribed        = "Subscription successful"
	MessageUnsubscribed      = "Unsubscription successful"
	MessageNotificationsSent = "Webhook notifications sent"
)

// HTTPHandlers implements the REST surface of the broker
type HTTPHandlers struct {
	server *server.Server
}

func NewHTTPHandlers(s *server.Server) *HTTPHandlers {
	return &HTTPHandlers{server: s}
}

// RegisterRoutes mounts every broker route on r. Broker operations require
// authToken when it is set; health, metrics and /test stay open.
func (h *HTTPHandlers) RegisterRoutes(r *mux.Router, authToken string) {
	protect := func(next http.HandlerFunc, operation string) http.HandlerFunc {
		return middleware.Auth(middleware.Metrics(next, operation), authToken)
	}

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.server.Health().Readiness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", h.server.Health().Readiness).Methods(http.MethodGet)
	r.HandleFunc("/health/live", h.server.Health().Liveness).Methods(http.MethodGet)
	r.HandleFunc("/test", middleware.Metrics(h.TestHandler, "test")).Methods(http.MethodPost, http.MethodGet)

	r.HandleFunc("/subscribe", protect(h.SubscribeHandler, "subscribe")).Methods(http.MethodPost)
	r.HandleFunc("/unsubscribe", protect(h.UnsubscribeHandler, "unsubscribe")).Methods(http.MethodPost)
	r.HandleFunc("/subscribers", protect(h.ListSubscribersHandler, "list_subscribers")).Methods(http.MethodGet)
	r.HandleFunc("/trigger-event", protect(h.TriggerEventHandler, "trigger_event")).Methods(http.MethodPost)

	r.HandleFunc("/events", protect(h.ListEventsHandler, "list_events")).Methods(http.MethodGet)
	r.HandleFunc("/events/{id:[0-9]+}", protect(h.GetEventHandler, "get_event")).Methods(http.MethodGet)

	r.HandleFunc("/api/demandes", protect(h.DomainEventHandler("add-demande"), "add_demande")).Methods(http.MethodPost)
	r.HandleFunc("/api/demandes/{id}", protect(h.DomainEventHandler("update-demande"), "update_demande")).Methods(http.MethodPut)
	r.HandleFunc("/api/demandes/{id}", protect(h.DomainEventHandler("delete-demande"), "delete_demande")).Methods(http.MethodDelete)
}

func (h *HTTPHandlers) TestHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: MessageServerRunning})
}

func (h *HTTPHandlers) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.server.Subscriptions().Subscribe(r.Context(), req.Who, req.URL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SubscribeResponse{Message: MessageSubscribed, Subscriber: sub})
}

func (h *HTTPHandlers) UnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UnsubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}

	removed, err := h.server.Subscriptions().Unsubscribe(r.Context(), req.Who, req.URL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.UnsubscribeResponse{Message: MessageUnsubscribed, Removed: removed})
}

func (h *HTTPHandlers) ListSubscribersHandler(w http.ResponseWriter, r *http.Request) {
	subs, err := h.server.Subscriptions().List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.ListSubscribersResponse{Subscribers: subs})
}

func (h *HTTPHandlers) TriggerEventHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.server.Dispatcher().Trigger(r.Context(), dispatcher.Trigger{
		From:     req.From,
		Event:    req.Event,
		Body:     req.Body,
		Audience: dispatcher.Explicit(req.Who),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.TriggerEventResponse{
		Message: out.Message,
		EventID: out.EventID,
		Results: out.Results,
	})
}

// DomainEventHandler broadcasts event to every subscriber except the sender.
// The request must carry a non-empty message; only body is delivered.
func (h *HTTPHandlers) DomainEventHandler(event string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.DomainEventRequest
		if !h.decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			h.writeError(w, r, apperrors.Validation("message", "message is required"))
			return
		}

		out, err := h.server.Dispatcher().Trigger(r.Context(), dispatcher.Trigger{
			From:     req.From,
			Event:    event,
			Body:     req.Body,
			Audience: dispatcher.BroadcastExcept(req.From),
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		h.server.GetLogger().WithFields(logrus.Fields{
			"event":      event,
			"demande_id": mux.Vars(r)["id"],
			"event_id":   out.EventID,
			"status":     out.Status,
			"targets":    len(out.Results),
			"request_id": middleware.RequestIDFromContext(r.Context()),
		}).Info("domain event broadcast")

		writeJSON(w, http.StatusOK, models.MessageResponse{Message: MessageNotificationsSent})
	}
}

func (h *HTTPHandlers) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", ledger.DefaultPageSize)
	if err == nil && (limit < 1 || limit > ledger.MaxPageSize) {
		err = apperrors.Validation("limit", fmt.Sprintf("limit must be between 1 and %d", ledger.MaxPageSize))
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err == nil && offset < 0 {
		err = apperrors.Validation("offset", "offset must not be negative")
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	events, err := h.server.Ledger().ListEvents(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.ListEventsResponse{Events: events, Limit: limit, Offset: offset})
}

func (h *HTTPHandlers) GetEventHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeError(w, r, apperrors.Validation("id", "invalid id parameter"))
		return
	}

	detail, err := h.server.Ledger().GetEvent(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// decode reads a JSON request body into dst. An empty body decodes as an
// empty object. On failure the error response is written and false returned.
func (h *HTTPHandlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var (
		typeErr *json.UnmarshalTypeError
		sizeErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &sizeErr):
		writeErrorMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.As(err, &typeErr) && typeErr.Field != "":
		h.writeError(w, r, apperrors.Validation(typeErr.Field,
			fmt.Sprintf("%s must be a %s", typeErr.Field, jsonTypeName(typeErr.Type.String()))))
	default:
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body")
	}
	return false
}

func jsonTypeName(goType string) string {
	if goType == "[]string" {
		return "list of strings"
	}
	return goType
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.Validation(key, key+" must be an integer")
	}
	return n, nil
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.server.GetLogger().WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.RequestIDFromContext(r.Context()),
			"error":      err,
		}).Error("request failed")
	}
	writeErrorMessage(w, status, apperrors.Message(err))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message})
}
