// Package dispatcher fans a triggered event out to the callback of every
// targeted subscriber and records each outcome in the ledger.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/idot-digital/webhook-broker/internal/apperrors"
	"github.com/idot-digital/webhook-broker/internal/metrics"
	"github.com/idot-digital/webhook-broker/internal/models"
	"github.com/idot-digital/webhook-broker/internal/signature"
)

const (
	MessageNoRecipients = "No recipients specified; nothing sent"
	MessageNoMatching   = "No matching subscribers found"
	MessageProcessed    = "Event processed"

	DefaultTimeout          = 10 * time.Second
	DefaultMaxResponseBytes = 64 << 10
)

// SubscriberFinder resolves trigger audiences to subscribers.
type SubscriberFinder interface {
	FindByWhoList(ctx context.Context, who []string) ([]models.Subscriber, error)
	FindAllExcept(ctx context.Context, sender string) ([]models.Subscriber, error)
}

// EventLedger is where the dispatcher records events and their outcomes.
type EventLedger interface {
	RecordEvent(ctx context.Context, event string, payload json.RawMessage, sender string) (models.Event, error)
	RecordResult(ctx context.Context, eventID, subscriberID int64, status models.ResultStatus, response string) (models.EventResult, error)
	UpdateStatus(ctx context.Context, eventID int64, status models.EventStatus) error
}

// Audience selects which subscribers a trigger is delivered to.
type Audience struct {
	who       []string
	except    string
	broadcast bool
}

// Explicit targets the subscribers registered under any of who. An empty
// list means no recipients.
func Explicit(who []string) Audience {
	return Audience{who: who}
}

// BroadcastExcept targets every registered identity other than sender.
func BroadcastExcept(sender string) Audience {
	return Audience{except: sender, broadcast: true}
}

type Trigger struct {
	From     string
	Event    string
	Body     json.RawMessage
	Audience Audience
}

// Outcome is what a processed trigger reports back to its caller.
type Outcome struct {
	Message string
	EventID int64
	Status  models.EventStatus
	Results []models.DeliveryResult
}

type Options struct {
	// Client overrides the outbound HTTP client. Its timeout bounds every
	// delivery attempt.
	Client *http.Client
	// Timeout is used when Client is nil.
	Timeout time.Duration
	// MaxConcurrent caps parallel deliveries per trigger. Zero is unbounded.
	MaxConcurrent int
	// MaxResponseBytes caps the response body kept for the ledger.
	MaxResponseBytes int64
}

type Dispatcher struct {
	subscribers      SubscriberFinder
	ledger           EventLedger
	signer           *signature.Signer
	client           *http.Client
	maxConcurrent    int
	maxResponseBytes int64
	logger           logrus.FieldLogger
	tracer           trace.Tracer
}

func New(subscribers SubscriberFinder, ledger EventLedger, signer *signature.Signer, opts Options, logger logrus.FieldLogger) *Dispatcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	maxResponse := opts.MaxResponseBytes
	if maxResponse <= 0 {
		maxResponse = DefaultMaxResponseBytes
	}

	return &Dispatcher{
		subscribers:      subscribers,
		ledger:           ledger,
		signer:           signer,
		client:           client,
		maxConcurrent:    opts.MaxConcurrent,
		maxResponseBytes: maxResponse,
		logger:           logger,
		tracer:           otel.Tracer("github.com/idot-digital/webhook-broker/internal/dispatcher"),
	}
}

// Trigger records the event, resolves its audience and delivers the signed
// notification to every target concurrently. Individual delivery failures
// are reported in the outcome, never as an error. Once the event is recorded
// the trigger runs to completion even if ctx is cancelled. From and event
// are signed and recorded exactly as given.
func (d *Dispatcher) Trigger(ctx context.Context, t Trigger) (Outcome, error) {
	from, event := t.From, t.Event
	if strings.TrimSpace(from) == "" {
		return Outcome{}, apperrors.Validation("from", "from is required")
	}
	if strings.TrimSpace(event) == "" {
		return Outcome{}, apperrors.Validation("event", "event is required")
	}

	body := t.Body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	payload, sig, err := d.signer.Encode(models.Notification{Event: event, From: from, Body: body})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode notification: %w", err)
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.Trigger", trace.WithAttributes(
		attribute.String("webhook.event", event),
		attribute.String("webhook.from", from),
	))
	defer span.End()

	ev, err := d.ledger.RecordEvent(ctx, event, body, from)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record event")
		return Outcome{}, err
	}
	span.SetAttributes(attribute.Int64("webhook.event_id", ev.ID))

	// the ledger row exists from here on, the caller can no longer abort
	ctx = context.WithoutCancel(ctx)
	log := d.logger.WithFields(logrus.Fields{"event_id": ev.ID, "event": event, "from": from})

	var targets []models.Subscriber
	switch {
	case t.Audience.broadcast:
		targets, err = d.subscribers.FindAllExcept(ctx, t.Audience.except)
	case len(t.Audience.who) == 0:
		d.finish(ctx, log, ev.ID, models.EventStatusNoRecipients)
		return Outcome{Message: MessageNoRecipients, EventID: ev.ID, Status: models.EventStatusNoRecipients, Results: []models.DeliveryResult{}}, nil
	default:
		targets, err = d.subscribers.FindByWhoList(ctx, t.Audience.who)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve subscribers")
		return Outcome{}, err
	}

	if len(targets) == 0 {
		d.finish(ctx, log, ev.ID, models.EventStatusNoMatchingSubscribers)
		return Outcome{Message: MessageNoMatching, EventID: ev.ID, Status: models.EventStatusNoMatchingSubscribers, Results: []models.DeliveryResult{}}, nil
	}
	span.SetAttributes(attribute.Int("webhook.targets", len(targets)))

	results := make([]models.DeliveryResult, len(targets))
	var g errgroup.Group
	if d.maxConcurrent > 0 {
		g.SetLimit(d.maxConcurrent)
	}
	for i, target := range targets {
		g.Go(func() error {
			att := d.deliver(ctx, ev, target, payload, sig)
			results[i] = att.result

			if _, err := d.ledger.RecordResult(ctx, ev.ID, target.ID, att.status, att.response); err != nil {
				metrics.LedgerWriteFailures.Inc()
				log.WithFields(logrus.Fields{"subscriber_id": target.ID, "error": err}).Error("failed to record delivery result")
			}
			return nil
		})
	}
	g.Wait()

	d.finish(ctx, log, ev.ID, models.EventStatusDone)

	delivered := 0
	for _, r := range results {
		if r.OK {
			delivered++
		}
	}
	log.WithFields(logrus.Fields{"targets": len(results), "delivered": delivered}).Info("event processed")

	return Outcome{Message: MessageProcessed, EventID: ev.ID, Status: models.EventStatusDone, Results: results}, nil
}

// finish moves the event to its terminal status. A failed status write is
// logged and does not change what the caller is told.
func (d *Dispatcher) finish(ctx context.Context, log logrus.FieldLogger, eventID int64, status models.EventStatus) {
	metrics.Triggers.WithLabelValues(string(status)).Inc()
	if err := d.ledger.UpdateStatus(ctx, eventID, status); err != nil {
		log.WithFields(logrus.Fields{"status": status, "error": err}).Error("failed to update event status")
	}
}
