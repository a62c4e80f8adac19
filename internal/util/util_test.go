package util

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3
	b := Backoff{Min: time.Millisecond, Max: time.Millisecond}

	err := Retry(context.Background(), b, 5, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3
	b := Backoff{Min: time.Millisecond, Max: time.Millisecond}

	err := Retry(context.Background(), b, maxAttempts, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	b := Backoff{Min: 50 * time.Millisecond, Max: 50 * time.Millisecond}

	err := Retry(ctx, b, 10, func() error {
		attempts++
		cancel()
		return errors.New("storage down")
	})

	if err == nil {
		t.Fatal("Retry should surface the last error on cancellation")
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times after cancel, want 1", attempts)
	}
}

func TestBackoffNextGrowsToCap(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2.0}

	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.Next(attempt)
		if d < prev {
			t.Errorf("Next(%d) = %v, decreased from %v", attempt, d, prev)
		}
		if d > b.Max {
			t.Errorf("Next(%d) = %v, exceeds cap %v", attempt, d, b.Max)
		}
		prev = d
	}

	if got := b.Next(10); got != b.Max {
		t.Errorf("Next(10) = %v, want saturated cap %v", got, b.Max)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Min: time.Second, Max: time.Second, Factor: 2.0, Jitter: 0.5}

	lo := 500 * time.Millisecond
	hi := 1500 * time.Millisecond
	for i := 0; i < 100; i++ {
		d := b.Next(3)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestBackoffZeroValueDefaults(t *testing.T) {
	var b Backoff
	if d := b.Next(1); d <= 0 {
		t.Errorf("zero-value Next(1) = %v, want positive", d)
	}
	if d := b.Next(100); d > 5*time.Second {
		t.Errorf("zero-value Next(100) = %v, want <= default cap", d)
	}
}

func TestBackoffSleepCancelled(t *testing.T) {
	b := Backoff{Min: time.Hour, Max: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Sleep(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep on cancelled context = %v, want context.Canceled", err)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "info", "json")
	log.Info("hello", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json handler produced invalid JSON: %v", err)
	}
	if rec["msg"] != "hello" || rec["k"] != "v" {
		t.Errorf("unexpected record: %v", rec)
	}

	buf.Reset()
	log = NewLogger(&buf, "warn", "text")
	log.Info("dropped")
	log.Warn("kept")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record logged at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn record missing at warn level")
	}
}
