package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/carbon-collector/internal/carbon"
	"github.com/i474232898/carbon-collector/internal/failures"
	"github.com/i474232898/carbon-collector/internal/logging"
	"github.com/i474232898/carbon-collector/internal/metrics"
)

// BoundaryWaiter blocks until the next scheduled cycle.
type BoundaryWaiter interface {
	WaitForBoundary(ctx context.Context) (time.Time, error)
}

// Options identifies the stream a Service collects.
type Options struct {
	Source   string
	RunID    string
	Interval time.Duration
}

// Status is a point-in-time view of the collection loop.
type Status struct {
	Source              string         `json:"source"`
	RunID               string         `json:"runId"`
	IntervalSeconds     int            `json:"intervalSeconds"`
	Samples             int            `json:"samples"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	MaxFailures         int            `json:"maxFailures"`
	Fatal               bool           `json:"fatal"`
	LastCycleAt         time.Time      `json:"lastCycleAt"`
	LastSample          *carbon.Sample `json:"lastSample,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
}

// Service runs the collection loop for a single source: wait for the boundary,
// fetch, append and persist, account for failures, repeat.
//
// The series and failure tracker belong to the loop goroutine; only the status
// snapshot is shared with readers.
type Service struct {
	opts    Options
	fetcher carbon.Fetcher
	store   carbon.Store
	waiter  BoundaryWaiter
	tracker *failures.Tracker
	metrics *metrics.Metrics
	log     zerolog.Logger

	series *carbon.Series

	mu     sync.RWMutex
	status Status
}

// NewService creates a new Service. m may be nil.
func NewService(
	opts Options,
	fetcher carbon.Fetcher,
	store carbon.Store,
	waiter BoundaryWaiter,
	tracker *failures.Tracker,
	m *metrics.Metrics,
) *Service {
	return &Service{
		opts:    opts,
		fetcher: fetcher,
		store:   store,
		waiter:  waiter,
		tracker: tracker,
		metrics: m,
		log: logging.With().
			Str("source", opts.Source).
			Str("run_id", opts.RunID).
			Logger(),
		status: Status{
			Source:          opts.Source,
			RunID:           opts.RunID,
			IntervalSeconds: int(opts.Interval / time.Second),
			MaxFailures:     tracker.MaxFailures(),
		},
	}
}

// Run loads the stored series and collects until ctx is canceled (returns nil)
// or a fatal condition occurs: storage corruption, a persist error after the
// threshold, or carbon.ErrThresholdExceeded.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Load(); err != nil {
		return err
	}

	for {
		next, err := s.waiter.WaitForBoundary(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info().Msg("collection loop stopped")
				return nil
			}
			return fmt.Errorf("wait for boundary: %w", err)
		}
		s.log.Debug().Time("boundary", next).Msg("cycle starting")

		if err := s.RunCycle(ctx); err != nil {
			return err
		}
	}
}

// Load reads the persisted series. A missing series starts fresh; a corrupt one is fatal.
func (s *Service) Load() error {
	series, err := s.store.Load(s.opts.Source)
	if err != nil {
		return fmt.Errorf("load series: %w", err)
	}
	s.series = series

	if series.Len() == 0 {
		s.log.Info().Msg("no existing series found, starting fresh")
	} else {
		s.log.Info().Int("samples", series.Len()).Msg("series loaded from disk, continuing")
	}

	s.metrics.SetSeriesSamples(series.Len())

	s.mu.Lock()
	s.status.Samples = series.Len()
	if last, ok := series.Last(); ok {
		s.status.LastSample = &last
	}
	s.mu.Unlock()
	return nil
}

// RunCycle performs one fetch and, on success, appends and persists the sample.
// It returns a non-nil error only when the process must stop.
func (s *Service) RunCycle(ctx context.Context) error {
	if s.series == nil {
		s.series = carbon.NewSeries(s.opts.Source)
	}

	sample, err := s.fetcher.Fetch(ctx, s.opts.Source)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the cycle; it is not a missed window.
			return nil
		}
		return s.fail(fmt.Errorf("fetch from %s: %w", s.fetcher.Name(), err))
	}

	prev := s.series.Len()
	if err := s.series.Append(sample); err != nil {
		return s.fail(fmt.Errorf("append sample: %w", err))
	}

	start := time.Now()
	if err := s.store.Persist(s.series); err != nil {
		// An unpersisted sample is dropped so memory and disk hold the same rows.
		s.series.Truncate(prev)
		return s.fail(fmt.Errorf("persist series: %w", err))
	}
	s.metrics.ObservePersist(s.series.Len(), time.Since(start))

	s.log.Info().
		Time("captured_at", sample.CapturedAt).
		Float64("carbon_intensity", sample.CarbonIntensity).
		Float64("fossil_fuel_percentage", sample.FossilFuelPercentage).
		Int("samples", s.series.Len()).
		Msg("sample collected")

	if err := s.tracker.Record(failures.Success); err != nil {
		return err
	}
	s.metrics.ObserveCycle(metrics.CycleSuccess, 0)

	s.mu.Lock()
	s.status.Samples = s.series.Len()
	s.status.ConsecutiveFailures = 0
	s.status.LastCycleAt = sample.CapturedAt
	s.status.LastSample = &sample
	s.status.LastError = ""
	s.mu.Unlock()
	return nil
}

func (s *Service) fail(cause error) error {
	recordErr := s.tracker.Record(failures.Failure)
	count := s.tracker.Count()
	s.metrics.ObserveCycle(metrics.CycleFailure, count)

	s.mu.Lock()
	s.status.ConsecutiveFailures = count
	s.status.LastCycleAt = time.Now().UTC()
	s.status.LastError = cause.Error()
	s.status.Fatal = s.tracker.Fatal()
	s.mu.Unlock()

	if recordErr != nil {
		if errors.Is(recordErr, carbon.ErrThresholdExceeded) {
			return fmt.Errorf("%w (last cause: %v)", recordErr, cause)
		}
		return recordErr
	}

	s.log.Error().
		Err(cause).
		Int("consecutive_failures", count).
		Int("max_failures", s.tracker.MaxFailures()).
		Msg("collection window missed")
	return nil
}

// Series returns the in-memory series. Only call from the loop goroutine or after Run returns.
func (s *Service) Series() *carbon.Series {
	return s.series
}

// Status returns a snapshot safe to read from any goroutine.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.LastSample != nil {
		last := *st.LastSample
		st.LastSample = &last
	}
	return st
}
