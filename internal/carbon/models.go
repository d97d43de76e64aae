package carbon

import (
	"fmt"
	"time"
)

// FieldsPerSample is the persisted row width: captured_at, carbon intensity,
// fossil fuel percentage.
const FieldsPerSample = 3

// Sample is a single carbon-intensity reading for one source.
// CapturedAt is the moment the request was issued, at whole-second resolution.
type Sample struct {
	CapturedAt           time.Time `json:"capturedAt"`
	CarbonIntensity      float64   `json:"carbonIntensity"`
	FossilFuelPercentage float64   `json:"fossilFuelPercentage"`
}

// Row returns the sample as a persisted row.
func (s Sample) Row() [FieldsPerSample]float64 {
	return [FieldsPerSample]float64{
		float64(s.CapturedAt.Unix()),
		s.CarbonIntensity,
		s.FossilFuelPercentage,
	}
}

// SampleFromRow is the inverse of Sample.Row.
func SampleFromRow(row []float64) Sample {
	return Sample{
		CapturedAt:           time.Unix(int64(row[0]), 0).UTC(),
		CarbonIntensity:      row[1],
		FossilFuelPercentage: row[2],
	}
}

// Series is the ordered, append-only sequence of samples for one source code.
// It is owned by a single collection loop and is not safe for concurrent use.
type Series struct {
	source  string
	samples []Sample
}

// NewSeries returns an empty series for source.
func NewSeries(source string) *Series {
	return &Series{source: source}
}

// SeriesFromFlat rebuilds a series from its flat persisted form.
// A buffer that does not reshape into rows of FieldsPerSample is corrupt.
func SeriesFromFlat(source string, flat []float64) (*Series, error) {
	if len(flat)%FieldsPerSample != 0 {
		return nil, fmt.Errorf("%w: %d values do not reshape into rows of %d",
			ErrStorageCorruption, len(flat), FieldsPerSample)
	}

	s := &Series{
		source:  source,
		samples: make([]Sample, 0, len(flat)/FieldsPerSample),
	}
	for i := 0; i < len(flat); i += FieldsPerSample {
		s.samples = append(s.samples, SampleFromRow(flat[i:i+FieldsPerSample]))
	}
	return s, nil
}

// Source returns the source code the series belongs to.
func (s *Series) Source() string {
	return s.source
}

// Len returns the number of samples.
func (s *Series) Len() int {
	return len(s.samples)
}

// At returns the i-th sample.
func (s *Series) At(i int) Sample {
	return s.samples[i]
}

// Last returns the most recent sample, if any.
func (s *Series) Last() (Sample, bool) {
	if len(s.samples) == 0 {
		return Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// Append adds a sample to the end of the series. Samples must not go back in time.
func (s *Series) Append(sample Sample) error {
	if last, ok := s.Last(); ok && sample.CapturedAt.Before(last.CapturedAt) {
		return fmt.Errorf("sample captured at %s precedes last sample at %s",
			sample.CapturedAt.Format(time.RFC3339), last.CapturedAt.Format(time.RFC3339))
	}
	s.samples = append(s.samples, sample)
	return nil
}

// Truncate drops every sample after the first n. It is a no-op when n >= Len.
func (s *Series) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(s.samples) {
		s.samples = s.samples[:n]
	}
}

// Samples returns a copy of the samples.
func (s *Series) Samples() []Sample {
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Flatten returns the series in its persisted row-major form.
func (s *Series) Flatten() []float64 {
	flat := make([]float64, 0, len(s.samples)*FieldsPerSample)
	for _, sample := range s.samples {
		row := sample.Row()
		flat = append(flat, row[:]...)
	}
	return flat
}
