package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idot-digital/webhook-broker/internal/apperrors"
	"github.com/idot-digital/webhook-broker/internal/database"
	"github.com/idot-digital/webhook-broker/internal/ledger"
	"github.com/idot-digital/webhook-broker/internal/models"
	"github.com/idot-digital/webhook-broker/internal/signature"
	"github.com/idot-digital/webhook-broker/internal/subscriptions"
)

const testSecret = "test-secret"

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeFinder struct {
	byWho map[string][]models.Subscriber
	err   error
}

func (f *fakeFinder) FindByWhoList(_ context.Context, who []string) ([]models.Subscriber, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []models.Subscriber{}
	for _, w := range who {
		out = append(out, f.byWho[w]...)
	}
	return out, nil
}

func (f *fakeFinder) FindAllExcept(_ context.Context, sender string) ([]models.Subscriber, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []models.Subscriber{}
	for w, subs := range f.byWho {
		if w != sender {
			out = append(out, subs...)
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu          sync.Mutex
	nextID      int64
	recordErr   error
	resultErr   error
	events      []models.Event
	results     []models.EventResult
	transitions []models.EventStatus
}

func (l *fakeLedger) RecordEvent(_ context.Context, event string, payload json.RawMessage, sender string) (models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return models.Event{}, l.recordErr
	}
	l.nextID++
	ev := models.Event{ID: l.nextID, Event: event, Payload: payload, Sender: sender, Status: models.EventStatusPending}
	l.events = append(l.events, ev)
	return ev, nil
}

func (l *fakeLedger) RecordResult(_ context.Context, eventID, subscriberID int64, status models.ResultStatus, response string) (models.EventResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resultErr != nil {
		return models.EventResult{}, l.resultErr
	}
	r := models.EventResult{EventID: eventID, SubscriberID: subscriberID, Status: status, Response: response}
	l.results = append(l.results, r)
	return r, nil
}

func (l *fakeLedger) UpdateStatus(_ context.Context, _ int64, status models.EventStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, status)
	return nil
}

// countingServer answers every request with code and counts the hits.
func countingServer(t *testing.T, code int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"code":%d}`, code)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDispatcher(finder SubscriberFinder, l EventLedger, opts Options) *Dispatcher {
	return New(finder, l, signature.New(testSecret), opts, testLogger())
}

func TestTrigger_Validation(t *testing.T) {
	l := &fakeLedger{}
	d := newDispatcher(&fakeFinder{}, l, Options{})

	_, err := d.Trigger(context.Background(), Trigger{Event: "add-demande", Audience: Explicit([]string{"a"})})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Regexp(t, "(?i)from", apperrors.Message(err))

	_, err = d.Trigger(context.Background(), Trigger{From: "erp-a", Event: " "})
	require.Error(t, err)
	assert.Regexp(t, "(?i)event", apperrors.Message(err))

	assert.Empty(t, l.events)
}

func TestTrigger_NoRecipients(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, http.StatusOK, &hits)

	l := &fakeLedger{}
	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"erp-a": {{ID: 1, Who: "erp-a", URL: srv.URL}}}}
	d := newDispatcher(finder, l, Options{})

	for _, who := range [][]string{nil, {}} {
		out, err := d.Trigger(context.Background(), Trigger{From: "erp-b", Event: "add-demande", Audience: Explicit(who)})
		require.NoError(t, err)
		assert.Equal(t, MessageNoRecipients, out.Message)
		assert.Equal(t, models.EventStatusNoRecipients, out.Status)
		assert.NotNil(t, out.Results)
		assert.Empty(t, out.Results)
	}

	assert.Zero(t, hits.Load())
	assert.Equal(t, []models.EventStatus{models.EventStatusNoRecipients, models.EventStatusNoRecipients}, l.transitions)
}

func TestTrigger_NoMatchingSubscribers(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, http.StatusOK, &hits)

	l := &fakeLedger{}
	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"erp-a": {{ID: 1, Who: "erp-a", URL: srv.URL}}}}
	d := newDispatcher(finder, l, Options{})

	out, err := d.Trigger(context.Background(), Trigger{From: "erp-b", Event: "add-demande", Audience: Explicit([]string{"nobody"})})
	require.NoError(t, err)
	assert.Equal(t, MessageNoMatching, out.Message)
	assert.Empty(t, out.Results)
	assert.Zero(t, hits.Load())
	assert.Equal(t, []models.EventStatus{models.EventStatusNoMatchingSubscribers}, l.transitions)
}

func TestTrigger_MixedOutcomes(t *testing.T) {
	var okHits, failHits atomic.Int32
	okSrv := countingServer(t, http.StatusOK, &okHits)
	failSrv := countingServer(t, http.StatusInternalServerError, &failHits)
	rejectSrv := countingServer(t, http.StatusForbidden, &failHits)

	targets := []models.Subscriber{
		{ID: 1, Who: "erp-a", URL: okSrv.URL + "/1"},
		{ID: 2, Who: "erp-a", URL: failSrv.URL},
		{ID: 3, Who: "erp-a", URL: okSrv.URL + "/3"},
		{ID: 4, Who: "erp-a", URL: rejectSrv.URL},
	}
	l := &fakeLedger{}
	d := newDispatcher(&fakeFinder{byWho: map[string][]models.Subscriber{"erp-a": targets}}, l, Options{})

	out, err := d.Trigger(context.Background(), Trigger{
		From:     "erp-wagonlits",
		Event:    "add-demande",
		Body:     json.RawMessage(`{"test":"test"}`),
		Audience: Explicit([]string{"erp-a"}),
	})
	require.NoError(t, err)
	assert.Equal(t, MessageProcessed, out.Message)
	require.Len(t, out.Results, 4)

	for i, r := range out.Results {
		assert.Equal(t, targets[i].URL, r.URL, "results follow target order")
		require.NotNil(t, r.Status)
	}
	assert.True(t, out.Results[0].OK)
	assert.False(t, out.Results[1].OK)
	assert.Equal(t, http.StatusInternalServerError, *out.Results[1].Status)
	assert.True(t, out.Results[2].OK)
	assert.False(t, out.Results[3].OK)
	assert.Equal(t, http.StatusForbidden, *out.Results[3].Status)

	assert.EqualValues(t, 2, okHits.Load())
	assert.EqualValues(t, 2, failHits.Load())
	assert.Len(t, l.results, 4)
	assert.Equal(t, []models.EventStatus{models.EventStatusDone}, l.transitions)
}

func TestTrigger_SignedNotification(t *testing.T) {
	type captured struct {
		header http.Header
		body   []byte
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"erp-devmaterial": {{ID: 7, Who: "erp-devmaterial", URL: srv.URL}}}}
	d := newDispatcher(finder, &fakeLedger{}, Options{})

	out, err := d.Trigger(context.Background(), Trigger{
		From:     "erp-wagonlits",
		Event:    "add-demande",
		Body:     json.RawMessage(`{"test": "test"}`),
		Audience: Explicit([]string{"erp-devmaterial"}),
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].OK)

	c := <-got
	assert.Equal(t, `{"event":"add-demande","from":"erp-wagonlits","body":{"test":"test"}}`, string(c.body))
	assert.Equal(t, "application/json", c.header.Get("Content-Type"))
	assert.Equal(t, UserAgent, c.header.Get("User-Agent"))
	assert.Equal(t, "1", c.header.Get(HeaderEventID))
	assert.Equal(t, "add-demande", c.header.Get(HeaderEventName))
	assert.NotEmpty(t, c.header.Get(HeaderDeliveryID))
	assert.True(t, signature.New(testSecret).Verify(c.body, c.header.Get(signature.Header)))
}

func TestTrigger_NullBody(t *testing.T) {
	got := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- body
	}))
	defer srv.Close()

	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"a": {{ID: 1, Who: "a", URL: srv.URL}}}}
	_, err := newDispatcher(finder, &fakeLedger{}, Options{}).Trigger(context.Background(), Trigger{
		From: "b", Event: "ping", Audience: Explicit([]string{"a"}),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"event":"ping","from":"b","body":null}`, string(<-got))
}

func TestTrigger_SignsFieldsAsGiven(t *testing.T) {
	got := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- body
	}))
	defer srv.Close()

	l := &fakeLedger{}
	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"a": {{ID: 1, Who: "a", URL: srv.URL}}}}
	_, err := newDispatcher(finder, l, Options{}).Trigger(context.Background(), Trigger{
		From: " erp-x ", Event: "ping ", Audience: Explicit([]string{"a"}),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"event":"ping ","from":" erp-x ","body":null}`, string(<-got))
	require.Len(t, l.events, 1)
	assert.Equal(t, " erp-x ", l.events[0].Sender)
	assert.Equal(t, "ping ", l.events[0].Event)
}

func TestTrigger_TransportError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	l := &fakeLedger{}
	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"a": {{ID: 1, Who: "a", URL: deadURL}}}}
	out, err := newDispatcher(finder, l, Options{}).Trigger(context.Background(), Trigger{
		From: "b", Event: "ping", Audience: Explicit([]string{"a"}),
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)

	r := out.Results[0]
	assert.False(t, r.OK)
	assert.Nil(t, r.Status)
	assert.NotEmpty(t, r.Error)

	require.Len(t, l.results, 1)
	assert.Equal(t, models.ResultStatusError, l.results[0].Status)
	assert.Equal(t, r.Error, l.results[0].Response)
	assert.Equal(t, []models.EventStatus{models.EventStatusDone}, l.transitions)
}

func TestTrigger_TimeoutIsError(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	var hits atomic.Int32
	fast := countingServer(t, http.StatusOK, &hits)

	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"a": {
		{ID: 1, Who: "a", URL: slow.URL},
		{ID: 2, Who: "a", URL: fast.URL},
	}}}
	d := newDispatcher(finder, &fakeLedger{}, Options{Timeout: 100 * time.Millisecond})

	out, err := d.Trigger(context.Background(), Trigger{From: "b", Event: "ping", Audience: Explicit([]string{"a"})})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.False(t, out.Results[0].OK)
	assert.Nil(t, out.Results[0].Status)
	assert.True(t, out.Results[1].OK)
}

func TestTrigger_ResultWriteFailureIsSwallowed(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, http.StatusOK, &hits)

	l := &fakeLedger{resultErr: apperrors.Store(errors.New("disk full"), "failed to record delivery result")}
	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"a": {
		{ID: 1, Who: "a", URL: srv.URL},
		{ID: 2, Who: "a", URL: srv.URL + "/2"},
	}}}

	out, err := newDispatcher(finder, l, Options{}).Trigger(context.Background(), Trigger{
		From: "b", Event: "ping", Audience: Explicit([]string{"a"}),
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].OK)
	assert.True(t, out.Results[1].OK)
	assert.EqualValues(t, 2, hits.Load())
	assert.Equal(t, []models.EventStatus{models.EventStatusDone}, l.transitions)
}

func TestTrigger_RecordEventFailureAborts(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, http.StatusOK, &hits)

	l := &fakeLedger{recordErr: apperrors.Store(errors.New("connection refused"), "failed to record event")}
	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"a": {{ID: 1, Who: "a", URL: srv.URL}}}}

	_, err := newDispatcher(finder, l, Options{}).Trigger(context.Background(), Trigger{
		From: "b", Event: "ping", Audience: Explicit([]string{"a"}),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsStore(err))
	assert.Zero(t, hits.Load())
	assert.Empty(t, l.transitions)
}

func TestTrigger_ResolveFailure(t *testing.T) {
	l := &fakeLedger{}
	finder := &fakeFinder{err: apperrors.Store(errors.New("timeout"), "failed to resolve subscribers")}

	_, err := newDispatcher(finder, l, Options{}).Trigger(context.Background(), Trigger{
		From: "b", Event: "ping", Audience: Explicit([]string{"a"}),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsStore(err))
}

func TestTrigger_ConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	subs := make([]models.Subscriber, 5)
	for i := range subs {
		subs[i] = models.Subscriber{ID: int64(i + 1), Who: "a", URL: fmt.Sprintf("%s/%d", srv.URL, i)}
	}
	d := newDispatcher(&fakeFinder{byWho: map[string][]models.Subscriber{"a": subs}}, &fakeLedger{}, Options{MaxConcurrent: 1})

	out, err := d.Trigger(context.Background(), Trigger{From: "b", Event: "ping", Audience: Explicit([]string{"a"})})
	require.NoError(t, err)
	assert.Len(t, out.Results, 5)
	assert.EqualValues(t, 1, peak.Load())
}

func TestTrigger_DeliversInParallelByDefault(t *testing.T) {
	const (
		targets = 5
		delay   = 300 * time.Millisecond
	)
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(delay)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	subs := make([]models.Subscriber, targets)
	for i := range subs {
		subs[i] = models.Subscriber{ID: int64(i + 1), Who: "a", URL: fmt.Sprintf("%s/%d", srv.URL, i)}
	}
	d := newDispatcher(&fakeFinder{byWho: map[string][]models.Subscriber{"a": subs}}, &fakeLedger{}, Options{})

	start := time.Now()
	out, err := d.Trigger(context.Background(), Trigger{From: "b", Event: "ping", Audience: Explicit([]string{"a"})})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, out.Results, targets)
	for _, r := range out.Results {
		assert.True(t, r.OK)
	}
	assert.Greater(t, peak.Load(), int32(1))
	assert.Less(t, elapsed, 3*delay, "one slow target must not delay the others")
}

func TestTrigger_ResponseBodyIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "abcdefghij")
	}))
	defer srv.Close()

	l := &fakeLedger{}
	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"a": {{ID: 1, Who: "a", URL: srv.URL}}}}
	_, err := newDispatcher(finder, l, Options{MaxResponseBytes: 4}).Trigger(context.Background(), Trigger{
		From: "b", Event: "ping", Audience: Explicit([]string{"a"}),
	})
	require.NoError(t, err)
	require.Len(t, l.results, 1)
	assert.Equal(t, "abcd", l.results[0].Response)
}

func TestTrigger_CancelledCallerStillCompletes(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, http.StatusOK, &hits)

	ctx, cancel := context.WithCancel(context.Background())
	l := &fakeLedger{}
	finder := &fakeFinder{byWho: map[string][]models.Subscriber{"a": {{ID: 1, Who: "a", URL: srv.URL}}}}
	d := New(finder, l, signature.New(testSecret), Options{}, testLogger())

	// cancel after the event is recorded, before delivery
	wrapped := &cancelOnRecord{EventLedger: l, cancel: cancel}
	d.ledger = wrapped

	out, err := d.Trigger(ctx, Trigger{From: "b", Event: "ping", Audience: Explicit([]string{"a"})})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].OK)
	assert.EqualValues(t, 1, hits.Load())
}

type cancelOnRecord struct {
	EventLedger
	cancel context.CancelFunc
}

func (c *cancelOnRecord) RecordEvent(ctx context.Context, event string, payload json.RawMessage, sender string) (models.Event, error) {
	ev, err := c.EventLedger.RecordEvent(ctx, event, payload, sender)
	c.cancel()
	return ev, err
}

// TestTrigger_WithStore runs a trigger end to end against the sqlite-backed
// store and ledger.
func TestTrigger_WithStore(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := database.Open(ctx, database.Options{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, database.Migrate(ctx, db, dialect))

	queries := database.New(db, dialect)
	store := subscriptions.NewStore(queries, testLogger())
	events := ledger.New(queries, testLogger())

	var okHits, failHits atomic.Int32
	okSrv := countingServer(t, http.StatusOK, &okHits)
	failSrv := countingServer(t, http.StatusBadGateway, &failHits)

	_, err = store.Subscribe(ctx, "erp-wagonlits", okSrv.URL+"/wagonlits")
	require.NoError(t, err)
	_, err = store.Subscribe(ctx, "erp-devmaterial", okSrv.URL+"/devmaterial")
	require.NoError(t, err)
	_, err = store.Subscribe(ctx, "erp-stock", failSrv.URL)
	require.NoError(t, err)

	d := New(store, events, signature.New(testSecret), Options{}, testLogger())

	out, err := d.Trigger(ctx, Trigger{
		From:     "erp-wagonlits",
		Event:    "add-demande",
		Body:     json.RawMessage(`{"id":1}`),
		Audience: BroadcastExcept("erp-wagonlits"),
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	for _, r := range out.Results {
		assert.NotEqual(t, "erp-wagonlits", r.Who)
	}
	assert.EqualValues(t, 1, okHits.Load())
	assert.EqualValues(t, 1, failHits.Load())

	detail, err := events.GetEvent(ctx, out.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusDone, detail.Status)
	assert.JSONEq(t, `{"id":1}`, string(detail.Payload))
	require.Len(t, detail.Results, 2)

	statuses := map[models.ResultStatus]int{}
	for _, r := range detail.Results {
		statuses[r.Status]++
	}
	assert.Equal(t, map[models.ResultStatus]int{models.ResultStatusOK: 1, models.ResultStatusFailed: 1}, statuses)
}
