package models

import (
	"encoding/json"
	"time"
)

// EventStatus is the lifecycle state of a triggered event.
type EventStatus string

const (
	EventStatusPending               EventStatus = "pending"
	EventStatusNoRecipients          EventStatus = "no_recipients"
	EventStatusNoMatchingSubscribers EventStatus = "no_matching_subscribers"
	EventStatusDone                  EventStatus = "done"
)

// Terminal reports whether no further transition is allowed from s.
func (s EventStatus) Terminal() bool {
	switch s {
	case EventStatusNoRecipients, EventStatusNoMatchingSubscribers, EventStatusDone:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	return s == EventStatusPending || s.Terminal()
}

// ResultStatus is the outcome of one delivery attempt.
type ResultStatus string

const (
	ResultStatusOK     ResultStatus = "ok"
	ResultStatusFailed ResultStatus = "failed"
	ResultStatusError  ResultStatus = "error"
)

type Event struct {
	ID        int64           `json:"id"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Sender    string          `json:"from"`
	Status    EventStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

type EventResult struct {
	ID           int64        `json:"id"`
	EventID      int64        `json:"event_id"`
	SubscriberID int64        `json:"subscriber_id"`
	Status       ResultStatus `json:"status"`
	Response     string       `json:"response"`
	CreatedAt    time.Time    `json:"created_at"`
}

// EventDetail is an event together with its recorded delivery outcomes.
type EventDetail struct {
	Event
	Results []EventResult `json:"results"`
}

// Notification is the body POSTed to every subscriber callback. Field order
// is part of the signed representation.
type Notification struct {
	Event string          `json:"event"`
	From  string          `json:"from"`
	Body  json.RawMessage `json:"body"`
}

type TriggerEventRequest struct {
	From  string          `json:"from"`
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
	Who   []string        `json:"who,omitempty"`
}

// DeliveryResult is the per-target record returned to the trigger caller.
type DeliveryResult struct {
	Who    string `json:"who"`
	URL    string `json:"url"`
	OK     bool   `json:"ok"`
	Status *int   `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type TriggerEventResponse struct {
	Message string           `json:"message"`
	EventID int64            `json:"event_id,omitempty"`
	Results []DeliveryResult `json:"results"`
}

// DomainEventRequest is the body accepted by the per-domain convenience
// endpoints. Message gates the request; only Body is broadcast.
type DomainEventRequest struct {
	Message string          `json:"message"`
	From    string          `json:"from"`
	Body    json.RawMessage `json:"body,omitempty"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ListEventsResponse struct {
	Events []Event `json:"events"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}
