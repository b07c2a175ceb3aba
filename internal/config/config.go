package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RedisTTL      time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OSRMEndpoint   string
	NotifyEndpoint string

	TrackingInterval     time.Duration
	OffRouteThresholdM   float64
	StagnationThresholdM float64
	DefaultSpeedMps      float64
	RouteRecalcTimeout   time.Duration
	DelayGrace           time.Duration

	SignatureSecret string
	DepositAmount   int64
	DepositCurrency string

	LogLevel      string
	LogFormat     string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "services_geo",
		RedisTTL:             24 * time.Hour,
		KafkaTopic:           "service-locations",
		TrackingInterval:     30 * time.Second,
		OffRouteThresholdM:   50,
		StagnationThresholdM: 5,
		DefaultSpeedMps:      8,
		RouteRecalcTimeout:   3 * time.Second,
		DelayGrace:           10 * time.Minute,
		DepositCurrency:      "usd",
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.RedisTTL, "REDIS_LOCATION_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	cfg.NotifyEndpoint = strings.TrimSpace(os.Getenv("NOTIFY_ENDPOINT"))

	setDurationFromEnv(&cfg.TrackingInterval, "TRACKING_INTERVAL", &errs)
	setFloatFromEnv(&cfg.OffRouteThresholdM, "OFF_ROUTE_THRESHOLD_M", &errs)
	setFloatFromEnv(&cfg.StagnationThresholdM, "STAGNATION_THRESHOLD_M", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.RouteRecalcTimeout, "ROUTE_RECALC_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.DelayGrace, "DELAY_GRACE", &errs)

	cfg.SignatureSecret = os.Getenv("SIGNATURE_SECRET")
	setInt64FromEnv(&cfg.DepositAmount, "DEPOSIT_AMOUNT", &errs)
	setStringFromEnv(&cfg.DepositCurrency, "DEPOSIT_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.TrackingInterval <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_INTERVAL must be > 0"))
	}
	if cfg.OffRouteThresholdM <= 0 {
		errs = append(errs, fmt.Errorf("OFF_ROUTE_THRESHOLD_M must be > 0"))
	}
	if cfg.SignatureSecret == "" {
		// local default; production deployments must set their own
		cfg.SignatureSecret = "dev-signature-secret"
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
