package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/idot-digital/webhook-broker/internal/apperrors"
	"github.com/idot-digital/webhook-broker/internal/metrics"
	"github.com/idot-digital/webhook-broker/internal/models"
	"github.com/idot-digital/webhook-broker/internal/signature"
)

const (
	HeaderEventID    = "X-Event-ID"
	HeaderEventName  = "X-Event-Name"
	HeaderDeliveryID = "X-Delivery-ID"
	UserAgent        = "webhook-broker/1"
)

// attempt is the classified outcome of one delivery.
type attempt struct {
	result   models.DeliveryResult
	status   models.ResultStatus
	response string
}

func (d *Dispatcher) deliver(ctx context.Context, ev models.Event, target models.Subscriber, payload []byte, sig string) attempt {
	deliveryID := uuid.NewString()
	log := d.logger.WithFields(logrus.Fields{
		"event_id":    ev.ID,
		"who":         target.Who,
		"url":         target.URL,
		"delivery_id": deliveryID,
	})

	start := time.Now()
	metrics.InFlightDeliveries.Inc()
	att := d.post(ctx, ev, target, payload, sig, deliveryID)
	metrics.InFlightDeliveries.Dec()

	metrics.Deliveries.WithLabelValues(string(att.status)).Inc()
	metrics.DeliveryDuration.WithLabelValues(string(att.status)).Observe(time.Since(start).Seconds())

	entry := log.WithField("outcome", att.status)
	if att.result.Status != nil {
		entry = entry.WithField("status", *att.result.Status)
	}
	if att.status == models.ResultStatusOK {
		entry.Debug("delivery succeeded")
	} else {
		entry.WithField("error", att.result.Error).Warn("delivery failed")
	}
	return att
}

func (d *Dispatcher) post(ctx context.Context, ev models.Event, target models.Subscriber, payload []byte, sig, deliveryID string) attempt {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		return transportError(target, apperrors.Delivery(err, "failed to build delivery request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(signature.Header, sig)
	req.Header.Set(HeaderEventID, strconv.FormatInt(ev.ID, 10))
	req.Header.Set(HeaderEventName, ev.Event)
	req.Header.Set(HeaderDeliveryID, deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return transportError(target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxResponseBytes))
	if err != nil {
		return transportError(target, apperrors.Delivery(err, "failed to read subscriber response"))
	}
	// drain so the connection can be reused
	io.Copy(io.Discard, resp.Body)

	code := resp.StatusCode
	att := attempt{
		result:   models.DeliveryResult{Who: target.Who, URL: target.URL, OK: true, Status: &code},
		status:   models.ResultStatusOK,
		response: string(body),
	}
	if code < 200 || code > 299 {
		att.result.OK = false
		att.result.Error = fmt.Sprintf("subscriber responded with status %d", code)
		att.status = models.ResultStatusFailed
	}
	return att
}

func transportError(target models.Subscriber, err error) attempt {
	return attempt{
		result:   models.DeliveryResult{Who: target.Who, URL: target.URL, OK: false, Error: err.Error()},
		status:   models.ResultStatusError,
		response: err.Error(),
	}
}
