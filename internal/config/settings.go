// Package config loads process settings from the environment and the
// ingestion run file from YAML. Both are validated once at startup.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/breatheroute/aqingest/internal/database"
	"github.com/breatheroute/aqingest/internal/telemetry"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Settings are the process settings shared by the commands.
type Settings struct {
	Env         string `validate:"required"`
	StoreDriver string `validate:"oneof=postgres sqlite"`
	Database    database.Config
	SQLitePath  string `validate:"required_if=StoreDriver sqlite"`

	OTelEnabled     bool
	OTLPEndpoint    string
	OTelSampleRatio float64 `validate:"gte=0,lte=1"`

	PubSubProjectID string `validate:"required_with=PubSubTopic"`
	PubSubTopic     string

	LogLevel  string `validate:"omitempty,oneof=trace debug info warn error"`
	LogFormat string `validate:"omitempty,oneof=json console"`

	Port string `validate:"required,numeric"`

	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
}

// LoadDotEnv loads the given .env files (default ".env") when they exist.
// Variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// SettingsFromEnv reads and validates the process settings.
func SettingsFromEnv() (Settings, error) {
	s := Settings{
		Env:             getEnvOrDefault("APP_ENV", "development"),
		StoreDriver:     strings.ToLower(getEnvOrDefault("STORE_DRIVER", DriverPostgres)),
		Database:        database.ConfigFromEnv(),
		SQLitePath:      getEnvOrDefault("SQLITE_PATH", "data/aqingest.db"),
		OTelEnabled:     os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:    getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelSampleRatio: 1,
		PubSubProjectID: os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:     os.Getenv("PUBSUB_TOPIC"),
		LogLevel:        strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnvOrDefault("LOG_FORMAT", "json")),
		Port:            getEnvOrDefault("APP_PORT", "8080"),
		JWTSigningKey:   os.Getenv("JWT_SIGNING_KEY"),
		JWTIssuer:       getEnvOrDefault("JWT_ISSUER", "aqingest"),
		JWTAudience:     getEnvOrDefault("JWT_AUDIENCE", "aqingest-reporting"),
	}

	if raw := os.Getenv("OTEL_SAMPLE_RATIO"); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Settings{}, fmt.Errorf("%w: OTEL_SAMPLE_RATIO: %w", ErrInvalidConfig, err)
		}
		s.OTelSampleRatio = ratio
	}

	if err := newValidator().Struct(s); err != nil {
		return Settings{}, validationError(err)
	}
	return s, nil
}

// Telemetry returns the telemetry configuration for a service.
func (s Settings) Telemetry(serviceName, version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    s.Env,
		OTLPEndpoint:   s.OTLPEndpoint,
		Enabled:        s.OTelEnabled,
		SampleRatio:    s.OTelSampleRatio,
	}
}

// Production reports whether the process runs in production.
func (s Settings) Production() bool {
	return s.Env == "production"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validationError flattens validator errors into one readable message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}
