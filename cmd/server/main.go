package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"

	"github.com/idot-digital/webhook-broker/internal/config"
	"github.com/idot-digital/webhook-broker/internal/database"
	"github.com/idot-digital/webhook-broker/internal/handlers"
	"github.com/idot-digital/webhook-broker/internal/middleware"
	"github.com/idot-digital/webhook-broker/internal/observability"
	"github.com/idot-digital/webhook-broker/internal/server"
)

var version = "dev"

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := run(log); err != nil {
		log.WithError(err).Fatal("webhook broker stopped")
	}
}

func run(log *logrus.Logger) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Tracing.Insecure,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Initialize database connection
	db, dialect, err := database.Open(ctx, database.Options{
		Driver:          cfg.DB.Driver,
		DSN:             cfg.GetDBURI(),
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db, dialect); err != nil {
		return err
	}
	log.WithField("driver", dialect).Info("database ready")

	srv := server.New(db, dialect, server.Options{
		Secret:                  cfg.WebhookSecret,
		Version:                 version,
		DeliveryTimeout:         cfg.Delivery.Timeout,
		MaxConcurrentDeliveries: cfg.Delivery.MaxConcurrent,
		MaxResponseBytes:        cfg.Delivery.MaxResponseBytes,
	}, log)

	errCh := make(chan error, 2)

	// Start gRPC server
	var grpcServer *grpc.Server
	if cfg.GRPCPort != 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}

		grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
			middleware.AuthInterceptor(cfg.AuthToken),
			middleware.MetricsInterceptor(log),
		))
		handlers.RegisterBrokerServer(grpcServer, handlers.NewGRPCHandlers(srv))

		go func() {
			log.WithField("address", lis.Addr().String()).Info("gRPC server listening")
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("failed to serve gRPC: %w", err)
			}
		}()
	}

	router := mux.NewRouter()
	router.Use(middleware.Recovery(log), middleware.RequestLogger(log))
	handlers.NewHTTPHandlers(srv).RegisterRoutes(router, cfg.AuthToken)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.RESTPort),
		Handler:           otelhttp.NewHandler(router, "webhook-broker"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout(),
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.WithField("address", httpServer.Addr).Info("REST server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve REST: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("REST server shutdown failed")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.WithError(err).Error("tracing shutdown failed")
	}

	log.Info("webhook broker stopped")
	return serveErr
}
