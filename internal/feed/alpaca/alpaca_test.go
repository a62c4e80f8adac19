package alpaca

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tickerd/internal/config"
	"tickerd/internal/feed"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	limits := feed.NewLimiters()
	limits.Set("alpaca", 100, 10)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("alpaca", config.Provider{APIKey: "key", APISecret: "secret", Feed: "iex"}, 1000, limits, log)
}

func TestCapabilities(t *testing.T) {
	a := testAdapter(t)
	caps := a.Capabilities()
	if !caps.Backfill || !caps.Trades || !caps.Stream || !caps.Quotes || !caps.Bars {
		t.Errorf("got %+v, want full capabilities", caps)
	}
}

func TestPageWindow(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	got, err := pageWindow(start, "")
	if err != nil {
		t.Fatalf("pageWindow with empty token: %v", err)
	}
	if !got.Equal(start) {
		t.Errorf("got %s, want %s", got, start)
	}

	token := start.Add(90 * time.Second).Format(time.RFC3339Nano)
	got, err = pageWindow(start, token)
	if err != nil {
		t.Fatalf("pageWindow with token: %v", err)
	}
	if want := start.Add(90 * time.Second); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	_, err = pageWindow(start, "not-a-timestamp")
	var perm *feed.PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("bad token: got %v, want PermanentError", err)
	}
}

func TestNextToken(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	last := start.Add(time.Minute)

	if tok := nextToken(start, last, false); tok != "" {
		t.Errorf("partial page: got token %q, want empty", tok)
	}

	tok := nextToken(start, last, true)
	ts, err := time.Parse(time.RFC3339Nano, tok)
	if err != nil {
		t.Fatalf("parsing token %q: %v", tok, err)
	}
	if !ts.Equal(last) {
		t.Errorf("got %s, want %s", ts, last)
	}

	// A page whose every record shares the window start must still advance.
	tok = nextToken(start, start, true)
	ts, err = time.Parse(time.RFC3339Nano, tok)
	if err != nil {
		t.Fatalf("parsing token %q: %v", tok, err)
	}
	if !ts.After(start) {
		t.Errorf("token %s does not advance past %s", ts, start)
	}
}

func TestTimeFrame(t *testing.T) {
	for _, g := range []time.Duration{time.Minute, 5 * time.Minute, time.Hour, 24 * time.Hour} {
		if _, err := timeFrame(g); err != nil {
			t.Errorf("timeFrame(%s): %v", g, err)
		}
	}

	_, err := timeFrame(time.Second)
	var perm *feed.PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("timeFrame(1s): got %v, want PermanentError", err)
	}
}

func TestClassifyAPIErrors(t *testing.T) {
	a := testAdapter(t)

	cases := []struct {
		status    int
		transient bool
		limited   bool
	}{
		{status: http.StatusTooManyRequests, limited: true, transient: true},
		{status: http.StatusInternalServerError, transient: true},
		{status: http.StatusBadGateway, transient: true},
		{status: http.StatusNotFound},
		{status: http.StatusForbidden},
	}
	for _, tc := range cases {
		err := a.classify("trades", &alpaca.APIError{StatusCode: tc.status})
		if got := feed.IsTransient(err); got != tc.transient {
			t.Errorf("status %d: IsTransient = %v, want %v (%v)", tc.status, got, tc.transient, err)
		}
		var limited *feed.RateLimitedError
		if got := errors.As(err, &limited); got != tc.limited {
			t.Errorf("status %d: RateLimitedError = %v, want %v (%v)", tc.status, got, tc.limited, err)
		}
		if !tc.transient {
			var perm *feed.PermanentError
			if !errors.As(err, &perm) {
				t.Errorf("status %d: got %v, want PermanentError", tc.status, err)
			}
		}
	}

	if err := a.classify("trades", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("context.Canceled reclassified as %v", err)
	}
}
