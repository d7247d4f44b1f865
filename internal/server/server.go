package server

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/idot-digital/webhook-broker/internal/database"
	"github.com/idot-digital/webhook-broker/internal/dispatcher"
	"github.com/idot-digital/webhook-broker/internal/ledger"
	"github.com/idot-digital/webhook-broker/internal/observability"
	"github.com/idot-digital/webhook-broker/internal/signature"
	"github.com/idot-digital/webhook-broker/internal/subscriptions"
)

type Options struct {
	Secret                  string
	Version                 string
	DeliveryTimeout         time.Duration
	MaxConcurrentDeliveries int
	MaxResponseBytes        int64
	// DeliveryClient replaces the default outbound client, mainly in tests.
	DeliveryClient *http.Client
}

// Server holds the broker components shared by the REST and gRPC handlers.
// Their lifetime is the lifetime of the process.
type Server struct {
	subscriptions *subscriptions.Store
	ledger        *ledger.Ledger
	dispatcher    *dispatcher.Dispatcher
	health        *observability.HealthChecker
	logger        *logrus.Logger
}

func New(db *sql.DB, dialect database.Dialect, opts Options, logger *logrus.Logger) *Server {
	queries := database.New(db, dialect)

	subs := subscriptions.NewStore(queries, logger.WithField("component", "subscriptions"))
	events := ledger.New(queries, logger.WithField("component", "ledger"))
	d := dispatcher.New(subs, events, signature.New(opts.Secret), dispatcher.Options{
		Client:           opts.DeliveryClient,
		Timeout:          opts.DeliveryTimeout,
		MaxConcurrent:    opts.MaxConcurrentDeliveries,
		MaxResponseBytes: opts.MaxResponseBytes,
	}, logger.WithField("component", "dispatcher"))

	return &Server{
		subscriptions: subs,
		ledger:        events,
		dispatcher:    d,
		health:        observability.NewHealthChecker(db, opts.Version),
		logger:        logger,
	}
}

func (s *Server) Subscriptions() *subscriptions.Store {
	return s.subscriptions
}

func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

func (s *Server) Dispatcher() *dispatcher.Dispatcher {
	return s.dispatcher
}

func (s *Server) Health() *observability.HealthChecker {
	return s.health
}

func (s *Server) GetLogger() *logrus.Logger {
	return s.logger
}
