package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Env      string   `env:"ENV" env-default:"local"`
	LogLevel string   `env:"LOG_LEVEL" env-default:"info"`
	Postgres Postgres
	Kafka    Kafka
	Redis    Redis
	Tracing  Tracing
	Consumer Consumer

	HTTPAddr       string `env:"HTTP_ADDR" env-default:":8080"`
	GRPCAddr       string `env:"GRPC_ADDR" env-default:":50051"`
	MetricsAddr    string `env:"METRICS_ADDR" env-default:":9090"`
	MigrationsPath string `env:"MIGRATIONS_PATH"`
}

type Postgres struct {
	URL string `env:"PG_URL" env-required:"true"`
}

type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" env-default:"localhost:9092" env-separator:","`
}

// Redis is optional; an empty address disables the in-flight claim.
type Redis struct {
	Addr string `env:"REDIS_ADDR"`
}

// Tracing is optional; an empty endpoint keeps the no-op tracer provider.
type Tracing struct {
	Endpoint string `env:"OTLP_ENDPOINT"`
}

type Consumer struct {
	Workers int           `env:"CONSUMER_WORKERS" env-default:"4"`
	Lease   time.Duration `env:"HANDLER_LEASE" env-default:"30s"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("CONSUMER_WORKERS must be positive, got %d", c.Consumer.Workers)
	}
	if c.Consumer.Lease <= 0 {
		return fmt.Errorf("HANDLER_LEASE must be positive, got %s", c.Consumer.Lease)
	}
	brokers := c.Kafka.Brokers[:0]
	for _, b := range c.Kafka.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return errors.New("KAFKA_BROKERS must name at least one broker")
	}
	c.Kafka.Brokers = brokers
	return nil
}
