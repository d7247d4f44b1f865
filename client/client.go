// Package client talks to a webhook broker from an ERP module: it manages
// the module's subscriptions, publishes events and receives signed
// notifications.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/idot-digital/webhook-broker/internal/models"
)

type (
	Subscriber      = models.Subscriber
	DeliveryResult  = models.DeliveryResult
	TriggerRequest  = models.TriggerEventRequest
	TriggerResponse = models.TriggerEventResponse
	Notification    = models.Notification
)

// APIError is returned when the broker answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker responded %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sends token as a bearer credential on every call.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers callbackURL for who. Registering the same pair twice
// returns the existing subscriber.
func (c *Client) Subscribe(ctx context.Context, who, callbackURL string) (Subscriber, error) {
	var resp models.SubscribeResponse
	err := c.do(ctx, http.MethodPost, "/subscribe", models.SubscribeRequest{Who: who, URL: callbackURL}, &resp)
	return resp.Subscriber, err
}

// Unsubscribe removes one registration, or all of who's when callbackURL is
// empty, and returns how many were removed.
func (c *Client) Unsubscribe(ctx context.Context, who, callbackURL string) (int64, error) {
	var resp models.UnsubscribeResponse
	err := c.do(ctx, http.MethodPost, "/unsubscribe", models.UnsubscribeRequest{Who: who, URL: callbackURL}, &resp)
	return resp.Removed, err
}

func (c *Client) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	var resp models.ListSubscribersResponse
	err := c.do(ctx, http.MethodGet, "/subscribers", nil, &resp)
	return resp.Subscribers, err
}

// Trigger publishes an event. Individual delivery failures are reported in
// the response results, not as an error.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (TriggerResponse, error) {
	var resp TriggerResponse
	err := c.do(ctx, http.MethodPost, "/trigger-event", req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e models.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
