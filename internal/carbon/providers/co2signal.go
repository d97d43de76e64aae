package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/i474232898/carbon-collector/internal/carbon"
	"github.com/i474232898/carbon-collector/internal/logging"
	"github.com/i474232898/carbon-collector/internal/metrics"
)

// DefaultCO2SignalURL is the latest-reading endpoint of the CO2 Signal API.
const DefaultCO2SignalURL = "https://api.co2signal.com/v1/latest"

// CO2SignalProvider implements carbon.Fetcher for the CO2 Signal API.
type CO2SignalProvider struct {
	name    string
	apiKey  string
	baseURL string
	retry   *retrier
}

// NewCO2SignalProvider builds a fetcher that retries DefaultMaxRetries times with
// DefaultBackoffBase exponential backoff. m may be nil.
func NewCO2SignalProvider(client *http.Client, baseURL, apiKey string, m *metrics.Metrics) *CO2SignalProvider {
	if baseURL == "" {
		baseURL = DefaultCO2SignalURL
	}
	name := "co2signal"
	return &CO2SignalProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		retry: newRetrier(name, HTTPClientConfig{
			Client: client,
			Backoff: BackoffConfig{
				MaxRetries: DefaultMaxRetries,
				Base:       DefaultBackoffBase,
			},
		}, m),
	}
}

func (p *CO2SignalProvider) Name() string {
	return p.name
}

// Fetch requests the latest reading for source. The sample is stamped with the
// time the successful request was sent, not the time its response arrived.
func (p *CO2SignalProvider) Fetch(ctx context.Context, source string) (carbon.Sample, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("countryCode", source)

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("auth-token", p.apiKey)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, requestedAt, attempts, err := p.retry.do(ctx, buildRequest)
	if err != nil {
		return carbon.Sample{}, err
	}
	defer resp.Body.Close()

	var payload struct {
		Data *struct {
			CarbonIntensity      *float64 `json:"carbonIntensity"`
			FossilFuelPercentage *float64 `json:"fossilFuelPercentage"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return carbon.Sample{}, p.parseFailure(attempts, fmt.Errorf("decode body: %w", err))
	}
	if payload.Data == nil {
		return carbon.Sample{}, p.parseFailure(attempts, errors.New(`body has no "data" object`))
	}
	if payload.Data.CarbonIntensity == nil {
		return carbon.Sample{}, p.parseFailure(attempts, errors.New(`body has no "carbonIntensity"`))
	}
	if payload.Data.FossilFuelPercentage == nil {
		return carbon.Sample{}, p.parseFailure(attempts, errors.New(`body has no "fossilFuelPercentage"`))
	}

	p.retry.metrics.ObserveAttempt(metrics.AttemptOK)
	return carbon.Sample{
		CapturedAt:           time.Unix(requestedAt.Unix(), 0).UTC(),
		CarbonIntensity:      *payload.Data.CarbonIntensity,
		FossilFuelPercentage: *payload.Data.FossilFuelPercentage,
	}, nil
}

func (p *CO2SignalProvider) parseFailure(attempts int, err error) error {
	p.retry.metrics.ObserveAttempt(metrics.AttemptParse)
	logging.Warn().Err(err).Str("provider", p.name).Msg("unusable response body")
	return &carbon.FetchError{Kind: carbon.ErrParse, Attempts: attempts, Err: err}
}
