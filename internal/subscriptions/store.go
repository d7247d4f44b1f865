// Package subscriptions owns the (who, url) registrations of subscriber
// callbacks.
package subscriptions

import (
	"context"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/idot-digital/webhook-broker/internal/apperrors"
	"github.com/idot-digital/webhook-broker/internal/models"
)

// Querier is the subset of database.Queries the store needs.
type Querier interface {
	UpsertSubscriber(ctx context.Context, who, url string) (models.Subscriber, error)
	ListSubscribers(ctx context.Context) ([]models.Subscriber, error)
	GetSubscribersByWho(ctx context.Context, who []string) ([]models.Subscriber, error)
	ListDistinctWho(ctx context.Context) ([]string, error)
	DeleteSubscriber(ctx context.Context, who, url string) (int64, error)
	DeleteSubscribersByWho(ctx context.Context, who string) (int64, error)
}

type Store struct {
	queries Querier
	logger  logrus.FieldLogger
}

func NewStore(queries Querier, logger logrus.FieldLogger) *Store {
	return &Store{queries: queries, logger: logger}
}

// Subscribe registers url for who. Registering an existing pair returns the
// stored record unchanged.
func (s *Store) Subscribe(ctx context.Context, who, callback string) (models.Subscriber, error) {
	who = strings.TrimSpace(who)
	callback = strings.TrimSpace(callback)
	if who == "" {
		return models.Subscriber{}, apperrors.Validation("who", "who is required")
	}
	if callback == "" {
		return models.Subscriber{}, apperrors.Validation("url", "url is required")
	}
	if err := validateCallback(callback); err != nil {
		return models.Subscriber{}, err
	}

	sub, err := s.queries.UpsertSubscriber(ctx, who, callback)
	if err != nil {
		return models.Subscriber{}, apperrors.Store(err, "failed to save subscriber")
	}

	s.logger.WithFields(logrus.Fields{"who": sub.Who, "url": sub.URL, "subscriber_id": sub.ID}).Info("subscriber registered")
	return sub, nil
}

func validateCallback(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperrors.Validation("url", "url must be an absolute http(s) URL")
	}
	return nil
}

// List returns every registration, most recently created first.
func (s *Store) List(ctx context.Context) ([]models.Subscriber, error) {
	subs, err := s.queries.ListSubscribers(ctx)
	if err != nil {
		return nil, apperrors.Store(err, "failed to list subscribers")
	}
	return subs, nil
}

// Unsubscribe removes the (who, url) pair, or every registration of who when
// url is omitted. A blank but present url only ever matches a pair, so it
// removes nothing. Removing nothing is not an error.
func (s *Store) Unsubscribe(ctx context.Context, who, callback string) (int64, error) {
	all := callback == ""
	who = strings.TrimSpace(who)
	callback = strings.TrimSpace(callback)
	if who == "" {
		return 0, apperrors.Validation("who", "who is required")
	}

	var (
		removed int64
		err     error
	)
	if all {
		removed, err = s.queries.DeleteSubscribersByWho(ctx, who)
	} else {
		removed, err = s.queries.DeleteSubscriber(ctx, who, callback)
	}
	if err != nil {
		return 0, apperrors.Store(err, "failed to remove subscriber")
	}

	s.logger.WithFields(logrus.Fields{"who": who, "url": callback, "removed": removed}).Info("subscriber removed")
	return removed, nil
}

// FindByWhoList returns every subscriber registered under one of who.
func (s *Store) FindByWhoList(ctx context.Context, who []string) ([]models.Subscriber, error) {
	filter := make([]string, 0, len(who))
	for _, w := range who {
		if w = strings.TrimSpace(w); w != "" {
			filter = append(filter, w)
		}
	}
	if len(filter) == 0 {
		return []models.Subscriber{}, nil
	}

	subs, err := s.queries.GetSubscribersByWho(ctx, filter)
	if err != nil {
		return nil, apperrors.Store(err, "failed to resolve subscribers")
	}
	return subs, nil
}

// FindAllExcept returns the subscribers of every registered identity other
// than sender.
func (s *Store) FindAllExcept(ctx context.Context, sender string) ([]models.Subscriber, error) {
	identities, err := s.queries.ListDistinctWho(ctx)
	if err != nil {
		return nil, apperrors.Store(err, "failed to list subscriber identities")
	}

	sender = strings.TrimSpace(sender)
	others := make([]string, 0, len(identities))
	for _, who := range identities {
		if who != sender {
			others = append(others, who)
		}
	}
	return s.FindByWhoList(ctx, others)
}
