// Package ledger records triggered events and the outcome of every delivery
// attempt made for them.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/idot-digital/webhook-broker/internal/apperrors"
	"github.com/idot-digital/webhook-broker/internal/database"
	"github.com/idot-digital/webhook-broker/internal/models"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Querier is the subset of database.Queries the ledger needs.
type Querier interface {
	CreateEvent(ctx context.Context, arg database.CreateEventParams) (models.Event, error)
	GetEvent(ctx context.Context, id int64) (models.Event, error)
	ListEvents(ctx context.Context, limit, offset int) ([]models.Event, error)
	TransitionEventStatus(ctx context.Context, id int64, from, to models.EventStatus) (int64, error)
	CreateEventResult(ctx context.Context, arg database.CreateEventResultParams) (models.EventResult, error)
	ListEventResults(ctx context.Context, eventID int64) ([]models.EventResult, error)
}

type Ledger struct {
	queries Querier
	logger  logrus.FieldLogger
}

func New(queries Querier, logger logrus.FieldLogger) *Ledger {
	return &Ledger{queries: queries, logger: logger}
}

// RecordEvent persists a new event in the pending state.
func (l *Ledger) RecordEvent(ctx context.Context, event string, payload json.RawMessage, sender string) (models.Event, error) {
	ev, err := l.queries.CreateEvent(ctx, database.CreateEventParams{
		Event:   event,
		Payload: payload,
		Sender:  sender,
		Status:  models.EventStatusPending,
	})
	if err != nil {
		return models.Event{}, apperrors.Store(err, "failed to record event")
	}

	l.logger.WithFields(logrus.Fields{"event_id": ev.ID, "event": ev.Event, "from": ev.Sender}).Debug("event recorded")
	return ev, nil
}

// RecordResult appends the outcome of one delivery attempt.
func (l *Ledger) RecordResult(ctx context.Context, eventID, subscriberID int64, status models.ResultStatus, response string) (models.EventResult, error) {
	res, err := l.queries.CreateEventResult(ctx, database.CreateEventResultParams{
		EventID:      eventID,
		SubscriberID: subscriberID,
		Status:       status,
		Response:     response,
	})
	if err != nil {
		return models.EventResult{}, apperrors.Store(err, "failed to record delivery result")
	}
	return res, nil
}

// UpdateStatus moves a pending event to a terminal status. Repeating the
// transition that already happened is a no-op. Replacing one terminal status
// with another is rejected and leaves the event untouched.
func (l *Ledger) UpdateStatus(ctx context.Context, eventID int64, status models.EventStatus) error {
	if !status.Terminal() {
		return apperrors.Validation("status", fmt.Sprintf("status %q is not a terminal event status", status))
	}

	n, err := l.queries.TransitionEventStatus(ctx, eventID, models.EventStatusPending, status)
	if err != nil {
		return apperrors.Store(err, "failed to update event status")
	}
	if n > 0 {
		l.logger.WithFields(logrus.Fields{"event_id": eventID, "status": status}).Debug("event status updated")
		return nil
	}

	current, err := l.queries.GetEvent(ctx, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(fmt.Sprintf("event %d not found", eventID))
	}
	if err != nil {
		return apperrors.Store(err, "failed to read event status")
	}

	switch current.Status {
	case status:
		return nil
	case models.EventStatusPending:
		return apperrors.Store(nil, "event status update was not applied")
	}
	return apperrors.InvalidTransition(
		fmt.Sprintf("event %d is already %s", eventID, current.Status),
		map[string]any{"event_id": eventID, "current": string(current.Status), "requested": string(status)},
	)
}

// GetEvent returns an event together with its recorded results.
func (l *Ledger) GetEvent(ctx context.Context, eventID int64) (models.EventDetail, error) {
	ev, err := l.queries.GetEvent(ctx, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EventDetail{}, apperrors.NotFound(fmt.Sprintf("event %d not found", eventID))
	}
	if err != nil {
		return models.EventDetail{}, apperrors.Store(err, "failed to load event")
	}

	results, err := l.queries.ListEventResults(ctx, eventID)
	if err != nil {
		return models.EventDetail{}, apperrors.Store(err, "failed to load event results")
	}
	return models.EventDetail{Event: ev, Results: results}, nil
}

// ListEvents returns a page of events, newest first. Out of range limits are
// clamped.
func (l *Ledger) ListEvents(ctx context.Context, limit, offset int) ([]models.Event, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	events, err := l.queries.ListEvents(ctx, limit, offset)
	if err != nil {
		return nil, apperrors.Store(err, "failed to list events")
	}
	return events, nil
}
