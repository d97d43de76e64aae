package carbon

import "context"

// Fetcher obtains one sample for a source code, retrying internally.
// A non-nil error is always a *FetchError.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, source string) (Sample, error)
}

// Store is the contract the NPY file store (and the in-memory store) must satisfy.
type Store interface {
	// Load returns the persisted series for source, or an empty series when none exists.
	Load(source string) (*Series, error)
	// Persist durably replaces the stored series with s.
	Persist(s *Series) error
}
