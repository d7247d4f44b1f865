package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/idot-digital/webhook-broker/internal/models"
)

// DBTX is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the broker's statements. Each call is a single statement
// committed in its own implicit transaction.
type Queries struct {
	db      DBTX
	dialect Dialect
}

func New(db DBTX, dialect Dialect) *Queries {
	return &Queries{db: db, dialect: dialect}
}

func (q *Queries) Dialect() Dialect {
	return q.dialect
}

const subscriberColumns = "id, who, url, created_at"

func scanSubscriber(row interface{ Scan(...any) error }) (models.Subscriber, error) {
	var s models.Subscriber
	err := row.Scan(&s.ID, &s.Who, &s.URL, &s.CreatedAt)
	return s, err
}

// UpsertSubscriber inserts (who, url) or returns the existing row untouched.
func (q *Queries) UpsertSubscriber(ctx context.Context, who, url string) (models.Subscriber, error) {
	switch q.dialect {
	case Postgres:
		row := q.db.QueryRowContext(ctx, q.dialect.Rebind(
			`INSERT INTO subscribers (who, url) VALUES (?, ?)
			ON CONFLICT (who, url) DO UPDATE SET who = EXCLUDED.who
			RETURNING `+subscriberColumns), who, url)
		return scanSubscriber(row)
	case MySQL:
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO subscribers (who, url) VALUES (?, ?) ON DUPLICATE KEY UPDATE id = id`,
			who, url); err != nil {
			return models.Subscriber{}, err
		}
	default:
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO subscribers (who, url) VALUES (?, ?) ON CONFLICT (who, url) DO NOTHING`,
			who, url); err != nil {
			return models.Subscriber{}, err
		}
	}
	return q.GetSubscriber(ctx, who, url)
}

func (q *Queries) GetSubscriber(ctx context.Context, who, url string) (models.Subscriber, error) {
	row := q.db.QueryRowContext(ctx, q.dialect.Rebind(
		`SELECT `+subscriberColumns+` FROM subscribers WHERE who = ? AND url = ?`), who, url)
	return scanSubscriber(row)
}

// ListSubscribers returns every subscriber, newest first.
func (q *Queries) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	return q.querySubscribers(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers ORDER BY created_at DESC, id DESC`)
}

// GetSubscribersByWho returns the subscribers registered under any of who,
// in registration order.
func (q *Queries) GetSubscribersByWho(ctx context.Context, who []string) ([]models.Subscriber, error) {
	if len(who) == 0 {
		return nil, nil
	}
	args := make([]any, len(who))
	for i, w := range who {
		args[i] = w
	}
	return q.querySubscribers(ctx, q.dialect.Rebind(
		`SELECT `+subscriberColumns+` FROM subscribers WHERE who IN `+In(len(who))+` ORDER BY id`), args...)
}

func (q *Queries) querySubscribers(ctx context.Context, query string, args ...any) ([]models.Subscriber, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.Subscriber{}
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// ListDistinctWho returns every registered identity once.
func (q *Queries) ListDistinctWho(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT who FROM subscribers ORDER BY who`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var who string
		if err := rows.Scan(&who); err != nil {
			return nil, err
		}
		items = append(items, who)
	}
	return items, rows.Err()
}

func (q *Queries) DeleteSubscriber(ctx context.Context, who, url string) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(
		`DELETE FROM subscribers WHERE who = ? AND url = ?`), who, url)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteSubscribersByWho(ctx context.Context, who string) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(
		`DELETE FROM subscribers WHERE who = ?`), who)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type CreateEventParams struct {
	Event   string
	Payload json.RawMessage
	Sender  string
	Status  models.EventStatus
}

func (q *Queries) CreateEvent(ctx context.Context, arg CreateEventParams) (models.Event, error) {
	payload := arg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	id, createdAt, err := q.insert(ctx, "events",
		`INSERT INTO events (event, payload, sender, status) VALUES (?, ?, ?, ?)`,
		arg.Event, string(payload), arg.Sender, string(arg.Status))
	if err != nil {
		return models.Event{}, err
	}
	return models.Event{
		ID:        id,
		Event:     arg.Event,
		Payload:   payload,
		Sender:    arg.Sender,
		Status:    arg.Status,
		CreatedAt: createdAt,
	}, nil
}

const eventColumns = "id, event, payload, sender, status, created_at"

func scanEvent(row interface{ Scan(...any) error }) (models.Event, error) {
	var (
		e       models.Event
		payload []byte
		status  string
	)
	if err := row.Scan(&e.ID, &e.Event, &payload, &e.Sender, &status, &e.CreatedAt); err != nil {
		return models.Event{}, err
	}
	e.Status = models.EventStatus(status)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}

func (q *Queries) GetEvent(ctx context.Context, id int64) (models.Event, error) {
	row := q.db.QueryRowContext(ctx, q.dialect.Rebind(
		`SELECT `+eventColumns+` FROM events WHERE id = ?`), id)
	return scanEvent(row)
}

// ListEvents returns a page of events, newest first.
func (q *Queries) ListEvents(ctx context.Context, limit, offset int) ([]models.Event, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// TransitionEventStatus moves an event from one status to another. It
// returns the number of rows changed: zero when the event is missing or is
// no longer in the from status.
func (q *Queries) TransitionEventStatus(ctx context.Context, id int64, from, to models.EventStatus) (int64, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(
		`UPDATE events SET status = ? WHERE id = ? AND status = ?`), string(to), id, string(from))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type CreateEventResultParams struct {
	EventID      int64
	SubscriberID int64
	Status       models.ResultStatus
	Response     string
}

func (q *Queries) CreateEventResult(ctx context.Context, arg CreateEventResultParams) (models.EventResult, error) {
	id, createdAt, err := q.insert(ctx, "event_results",
		`INSERT INTO event_results (event_id, subscriber_id, status, response) VALUES (?, ?, ?, ?)`,
		arg.EventID, arg.SubscriberID, string(arg.Status), arg.Response)
	if err != nil {
		return models.EventResult{}, err
	}
	return models.EventResult{
		ID:           id,
		EventID:      arg.EventID,
		SubscriberID: arg.SubscriberID,
		Status:       arg.Status,
		Response:     arg.Response,
		CreatedAt:    createdAt,
	}, nil
}

func (q *Queries) ListEventResults(ctx context.Context, eventID int64) ([]models.EventResult, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(
		`SELECT id, event_id, subscriber_id, status, response, created_at
		FROM event_results WHERE event_id = ? ORDER BY id`), eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.EventResult{}
	for rows.Next() {
		var (
			r      models.EventResult
			status string
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.SubscriberID, &status, &r.Response, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = models.ResultStatus(status)
		items = append(items, r)
	}
	return items, rows.Err()
}

// insert runs an INSERT into table and returns the new id and created_at.
func (q *Queries) insert(ctx context.Context, table, query string, args ...any) (int64, time.Time, error) {
	var (
		id        int64
		createdAt time.Time
	)
	if q.dialect.Returning() {
		err := q.db.QueryRowContext(ctx, q.dialect.Rebind(query+` RETURNING id, created_at`), args...).
			Scan(&id, &createdAt)
		return id, createdAt, err
	}

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, time.Time{}, err
	}
	if id, err = res.LastInsertId(); err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read %s id: %w", table, err)
	}
	err = q.db.QueryRowContext(ctx, `SELECT created_at FROM `+table+` WHERE id = ?`, id).Scan(&createdAt)
	return id, createdAt, err
}
