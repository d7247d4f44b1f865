package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"

	"github.com/idot-digital/webhook-broker/internal/apperrors"
	"github.com/idot-digital/webhook-broker/internal/database"
)

type Config struct {
	RESTPort        int           `yaml:"rest_port"`
	GRPCPort        int           `yaml:"grpc_port"`
	AuthToken       string        `yaml:"auth_token"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	DB       DBConfig       `yaml:"database"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type DBConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type DeliveryConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

func defaults() *Config {
	return &Config{
		RESTPort:        8080,
		GRPCPort:        50051,
		LogLevel:        "info",
		ShutdownTimeout: 15 * time.Second,
		DB: DBConfig{
			Driver:          "mysql",
			Host:            "localhost",
			User:            "root",
			Password:        "root",
			Name:            "webhooks",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Delivery: DeliveryConfig{
			Timeout:          10 * time.Second,
			MaxResponseBytes: 64 << 10,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "webhook-broker",
			Insecure:    true,
		},
	}
}

// New loads the configuration from the process arguments and environment.
func New() (*Config, error) {
	return Load(os.Args[1:], os.LookupEnv)
}

// Load builds a Config from defaults, an optional YAML file, the environment
// and finally explicitly passed flags, each overriding the previous.
func Load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := defaults()

	fs := flag.NewFlagSet("webhook-broker", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to a YAML configuration file")
	restPort := fs.Int("rest-port", cfg.RESTPort, "The REST server port")
	grpcPort := fs.Int("grpc-port", cfg.GRPCPort, "The gRPC server port, 0 disables it")
	dbDriver := fs.String("db-driver", cfg.DB.Driver, "Database driver: mysql, postgres or sqlite3")
	dbDSN := fs.String("db-dsn", "", "Database DSN, overrides the individual connection settings")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	path := *configPath
	if path == "" {
		path, _ = lookupEnv("BROKER_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}

	if explicit["rest-port"] {
		cfg.RESTPort = *restPort
	}
	if explicit["grpc-port"] {
		cfg.GRPCPort = *grpcPort
	}
	if explicit["db-driver"] {
		cfg.DB.Driver = *dbDriver
	}
	if explicit["db-dsn"] {
		cfg.DB.DSN = *dbDSN
	}
	if explicit["log-level"] {
		cfg.LogLevel = *logLevel
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	integer("REST_PORT", &c.RESTPort)
	integer("GRPC_PORT", &c.GRPCPort)
	str("AUTH_TOKEN", &c.AuthToken)
	str("WEBHOOK_SECRET", &c.WebhookSecret)
	str("LOG_LEVEL", &c.LogLevel)
	duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	str("DB_DRIVER", &c.DB.Driver)
	str("DB_DSN", &c.DB.DSN)
	str("DB_HOST", &c.DB.Host)
	str("DB_PORT", &c.DB.Port)
	str("DB_USER", &c.DB.User)
	str("DB_PASSWORD", &c.DB.Password)
	str("DB_NAME", &c.DB.Name)
	integer("DB_MAX_OPEN_CONNS", &c.DB.MaxOpenConns)
	integer("DB_MAX_IDLE_CONNS", &c.DB.MaxIdleConns)
	duration("DB_CONN_MAX_LIFETIME", &c.DB.ConnMaxLifetime)

	duration("DELIVERY_TIMEOUT", &c.Delivery.Timeout)
	integer("DELIVERY_MAX_CONCURRENT", &c.Delivery.MaxConcurrent)
	if v, ok := lookupEnv("DELIVERY_MAX_RESPONSE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("DELIVERY_MAX_RESPONSE_BYTES: %w", err))
		} else {
			c.Delivery.MaxResponseBytes = n
		}
	}

	boolean("OTEL_ENABLED", &c.Tracing.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)
	str("OTEL_SERVICE_NAME", &c.Tracing.ServiceName)
	boolean("OTEL_INSECURE", &c.Tracing.Insecure)

	return errors.Join(errs...)
}

// Validate reports every setting the broker cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := database.ParseDialect(c.DB.Driver); err != nil {
		errs = append(errs, apperrors.Validation("db_driver", err.Error()))
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		errs = append(errs, apperrors.Validation("webhook_secret", "WEBHOOK_SECRET is required"))
	}
	if c.RESTPort <= 0 || c.RESTPort > 65535 {
		errs = append(errs, apperrors.Validation("rest_port", "rest port must be between 1 and 65535"))
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		errs = append(errs, apperrors.Validation("grpc_port", "grpc port must be between 0 and 65535"))
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.RESTPort {
		errs = append(errs, apperrors.Validation("grpc_port", "rest and grpc ports must differ"))
	}
	if c.Delivery.Timeout <= 0 {
		errs = append(errs, apperrors.Validation("delivery_timeout", "delivery timeout must be positive"))
	}
	if c.Delivery.MaxResponseBytes < 0 || c.Delivery.MaxResponseBytes > database.MaxResponseBytes {
		errs = append(errs, apperrors.Validation("delivery_max_response_bytes",
			fmt.Sprintf("max response bytes must be between 0 and %d", database.MaxResponseBytes)))
	}
	if c.Delivery.MaxConcurrent < 0 {
		errs = append(errs, apperrors.Validation("delivery_max_concurrent", "max concurrent deliveries must not be negative"))
	}

	return errors.Join(errs...)
}

// HTTPWriteTimeout bounds how long the REST server may take to answer. A
// trigger answers after its slowest delivery, which is one delivery timeout
// when deliveries are unbounded. With a concurrency limit the duration grows
// with the audience, so no write timeout is applied.
func (c *Config) HTTPWriteTimeout() time.Duration {
	if c.Delivery.MaxConcurrent > 0 {
		return 0
	}
	return c.Delivery.Timeout + 30*time.Second
}

// GetDBURI returns the DSN for the configured driver.
func (c *Config) GetDBURI() string {
	if c.DB.DSN != "" {
		return c.DB.DSN
	}

	dialect, _ := database.ParseDialect(c.DB.Driver)
	switch dialect {
	case database.Postgres:
		port := c.DB.Port
		if port == "" {
			port = "5432"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.DB.User, c.DB.Password),
			Host:     net.JoinHostPort(c.DB.Host, port),
			Path:     "/" + c.DB.Name,
			RawQuery: "sslmode=disable",
		}
		return u.String()
	case database.SQLite:
		if c.DB.Name == ":memory:" || strings.HasSuffix(c.DB.Name, ".db") {
			return c.DB.Name
		}
		return c.DB.Name + ".db"
	}

	port := c.DB.Port
	if port == "" {
		port = "3306"
	}
	mc := mysql.NewConfig()
	mc.User = c.DB.User
	mc.Passwd = c.DB.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.DB.Host, port)
	mc.DBName = c.DB.Name
	mc.ParseTime = true
	return mc.FormatDSN()
}
