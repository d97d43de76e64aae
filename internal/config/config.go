package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/i474232898/carbon-collector/internal/carbon"
	"github.com/i474232898/carbon-collector/internal/carbon/providers"
	"github.com/i474232898/carbon-collector/internal/logging"
	"github.com/i474232898/carbon-collector/internal/scheduler"
)

// APIKeyEnv holds the CO2 Signal credential.
const APIKeyEnv = "CO2SIGNAL_API_KEY"

const minIntervalSeconds = int(scheduler.MinInterval / time.Second)

// AppConfig is built once at startup and passed to every component.
type AppConfig struct {
	// SourceCode selects both the API countryCode parameter and the storage file.
	SourceCode string `validate:"required,excludesall=/\\"`
	APIKey     string `validate:"required"`
	APIURL     string `validate:"required,url"`

	// Interval is the boundary spacing; never below scheduler.MinInterval.
	Interval    time.Duration `validate:"gte=5m"`
	HTTPTimeout time.Duration `validate:"gt=0"`

	DataDir string `validate:"required"`

	// ListenAddr of the status server; empty disables it.
	ListenAddr string

	LogLevel  string
	LogFormat string `validate:"oneof=json console"`
}

var validate = validator.New()

// Load reads configuration from .env, the environment and command-line flags,
// in increasing order of precedence. Every failure wraps carbon.ErrConfiguration.
func Load(args []string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := &AppConfig{}

	fs := flag.NewFlagSet("carbon-collector", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var intervalSeconds int
	fs.StringVar(&cfg.SourceCode, "source-code", os.Getenv("SOURCE_CODE"),
		"country code to collect carbon intensity for (required)")
	fs.IntVar(&intervalSeconds, "interval-seconds", getenvInt("INTERVAL_SECONDS", minIntervalSeconds),
		"seconds between requests, raised to 300 (5 minutes) if lower")
	fs.StringVar(&cfg.DataDir, "data-dir", getenvDefault("DATA_DIR", "."),
		"directory holding <source-code>.npy")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", getenvDefault("LISTEN_ADDR", ":9100"),
		"status server address, empty to disable")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", getenvDuration("HTTP_TIMEOUT", 30*time.Second),
		"per-attempt request timeout")
	fs.StringVar(&cfg.APIURL, "api-url", getenvDefault("CO2SIGNAL_API_URL", providers.DefaultCO2SignalURL),
		"CO2 Signal latest-reading endpoint")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", carbon.ErrConfiguration, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", carbon.ErrConfiguration, fs.Args())
	}

	cfg.Interval = time.Duration(ClampIntervalSeconds(intervalSeconds)) * time.Second
	cfg.APIKey = os.Getenv(APIKeyEnv)
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getenvDefault("LOG_FORMAT", "console")

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", carbon.ErrConfiguration, describe(err))
	}

	return cfg, nil
}

// ClampIntervalSeconds raises any interval below five minutes to five minutes.
func ClampIntervalSeconds(seconds int) int {
	if seconds < minIntervalSeconds {
		return minIntervalSeconds
	}
	return seconds
}

// describe turns validator output into names an operator recognises.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch fe.Field() {
	case "SourceCode":
		return errors.New("--source-code is required and must not contain path separators")
	case "APIKey":
		return fmt.Errorf("%s environment variable is not set", APIKeyEnv)
	case "APIURL":
		return fmt.Errorf("--api-url %q is not a valid URL", fe.Value())
	case "HTTPTimeout":
		return errors.New("--http-timeout must be positive")
	case "LogFormat":
		return fmt.Errorf("LOG_FORMAT %q must be json or console", fe.Value())
	}
	return err
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}
