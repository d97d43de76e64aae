package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/i474232898/carbon-collector/internal/carbon"
	"github.com/i474232898/carbon-collector/internal/metrics"
)

const okBody = `{"countryCode":"DE","data":{"carbonIntensity":120.5,"fossilFuelPercentage":40.2},"status":"ok","units":{"carbonIntensity":"gCO2eq/kWh"}}`

type reply struct {
	status int
	body   string
}

// scriptedServer answers each request with the next reply; the last one repeats.
func scriptedServer(t *testing.T, replies ...reply) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(atomic.AddInt32(&calls, 1)) - 1
		if i >= len(replies) {
			i = len(replies) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(replies[i].status)
		_, _ = w.Write([]byte(replies[i].body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

// fakeTime hands out one second per clock read and records backoff waits.
type fakeTime struct {
	now   time.Time
	slept []time.Duration
}

func (f *fakeTime) Now() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	f.now = f.now.Add(d)
	return ctx.Err()
}

func newTestProvider(url string, m *metrics.Metrics) (*CO2SignalProvider, *fakeTime) {
	clock := &fakeTime{now: time.Unix(1700000000, 0).UTC()}
	p := NewCO2SignalProvider(&http.Client{Timeout: 2 * time.Second}, url, "secret", m)
	p.retry.now = clock.Now
	p.retry.sleep = clock.Sleep
	return p, clock
}

func TestFetchRetriesServerErrorsThenSucceeds(t *testing.T) {
	srv, calls := scriptedServer(t,
		reply{http.StatusServiceUnavailable, "busy"},
		reply{http.StatusServiceUnavailable, "busy"},
		reply{http.StatusOK, `{"data":{"carbonIntensity":120.5,"fossilFuelPercentage":40.2}}`},
	)
	m := metrics.New(prometheus.NewRegistry())
	p, clock := newTestProvider(srv.URL, m)

	sample, err := p.Fetch(context.Background(), "DE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sample.CarbonIntensity != 120.5 || sample.FossilFuelPercentage != 40.2 {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if atomic.LoadInt32(calls) != 3 {
		t.Fatalf("expected 3 requests, got %d", *calls)
	}

	var total time.Duration
	for _, d := range clock.slept {
		total += d
	}
	if len(clock.slept) != 2 || clock.slept[0] != time.Second || clock.slept[1] != 2*time.Second || total != 3*time.Second {
		t.Fatalf("expected backoff 1s+2s, got %v", clock.slept)
	}

	// Stamped with the clock read just before the third request: start + 1s + 1s(backoff) + 1s + 2s(backoff) + 1s.
	want := time.Unix(1700000000+6, 0).UTC()
	if !sample.CapturedAt.Equal(want) {
		t.Fatalf("expected captured_at %s, got %s", want, sample.CapturedAt)
	}

	if got := testutil.ToFloat64(m.FetchAttempts.WithLabelValues(metrics.AttemptRemote)); got != 2 {
		t.Fatalf("expected 2 remote attempts recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.FetchBackoffSeconds); got != 3 {
		t.Fatalf("expected 3s of backoff recorded, got %v", got)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	srv, calls := scriptedServer(t, reply{http.StatusBadGateway, "upstream down"})
	p, clock := newTestProvider(srv.URL, nil)

	_, err := p.Fetch(context.Background(), "DE")

	var fe *carbon.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *carbon.FetchError, got %T %v", err, err)
	}
	if !errors.Is(err, carbon.ErrRemote) || fe.StatusCode != http.StatusBadGateway || fe.Attempts != DefaultMaxRetries {
		t.Fatalf("unexpected failure %+v", fe)
	}
	if atomic.LoadInt32(calls) != DefaultMaxRetries {
		t.Fatalf("expected %d requests, got %d", DefaultMaxRetries, *calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(clock.slept) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, clock.slept)
	}
	for i := range want {
		if clock.slept[i] != want[i] {
			t.Fatalf("expected waits %v, got %v", want, clock.slept)
		}
	}
}

func TestFetchRetriesClientErrors(t *testing.T) {
	srv, calls := scriptedServer(t,
		reply{http.StatusUnauthorized, `{"message":"invalid token"}`},
		reply{http.StatusOK, okBody},
	)
	p, _ := newTestProvider(srv.URL, nil)

	if _, err := p.Fetch(context.Background(), "DE"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Fatalf("expected the 401 to be retried, got %d requests", *calls)
	}
}

func TestFetchParseFailureIsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing carbonIntensity", `{"data":{"fossilFuelPercentage":40.2}}`},
		{"missing fossilFuelPercentage", `{"data":{"carbonIntensity":120.5}}`},
		{"missing data", `{"status":"ok"}`},
		{"null data", `{"data":null}`},
		{"not json", `<html>oops</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := scriptedServer(t, reply{http.StatusOK, tt.body})
			p, clock := newTestProvider(srv.URL, nil)

			_, err := p.Fetch(context.Background(), "DE")
			if !errors.Is(err, carbon.ErrParse) {
				t.Fatalf("expected parse failure, got %v", err)
			}
			if atomic.LoadInt32(calls) != 1 || len(clock.slept) != 0 {
				t.Fatalf("parse failures must not be retried: requests=%d waits=%v", *calls, clock.slept)
			}
		})
	}
}

func TestFetchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, clock := newTestProvider(url, nil)
	_, err := p.Fetch(context.Background(), "DE")

	if !errors.Is(err, carbon.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if len(clock.slept) != DefaultMaxRetries-1 {
		t.Fatalf("expected %d backoff waits, got %v", DefaultMaxRetries-1, clock.slept)
	}
}

func TestFetchTimeoutIsTransportFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	clock := &fakeTime{now: time.Unix(1700000000, 0).UTC()}
	p := NewCO2SignalProvider(&http.Client{Timeout: 50 * time.Millisecond}, srv.URL, "secret", nil)
	p.retry.now = clock.Now
	p.retry.sleep = clock.Sleep

	_, err := p.Fetch(context.Background(), "DE")

	var fe *carbon.FetchError
	if !errors.As(err, &fe) || !errors.Is(err, carbon.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if fe.Attempts != DefaultMaxRetries || atomic.LoadInt32(&calls) != DefaultMaxRetries {
		t.Fatalf("expected %d timed-out attempts, got %d (server saw %d)", DefaultMaxRetries, fe.Attempts, calls)
	}
}

func TestFetchSendsSourceAndCredential(t *testing.T) {
	var gotCode, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCode = r.URL.Query().Get("countryCode")
		gotToken = r.Header.Get("auth-token")
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	p, _ := newTestProvider(srv.URL, nil)
	if _, err := p.Fetch(context.Background(), "FR"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotCode != "FR" || gotToken != "secret" {
		t.Fatalf("expected countryCode=FR and auth-token=secret, got %q and %q", gotCode, gotToken)
	}
}

func TestFetchStopsWhenContextCanceled(t *testing.T) {
	srv, calls := scriptedServer(t, reply{http.StatusServiceUnavailable, ""})
	p, _ := newTestProvider(srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.retry.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := p.Fetch(ctx, "DE")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Fatalf("expected no attempt after cancellation, got %d", *calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := BackoffConfig{MaxRetries: 5, Base: time.Second}
	for i, want := range []time.Duration{1, 2, 4, 8, 16} {
		if got := b.Delay(i); got != want*time.Second {
			t.Errorf("Delay(%d) = %s, want %s", i, got, want*time.Second)
		}
	}
}
