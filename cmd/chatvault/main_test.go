package main

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("CHATVAULT_TEST_INT", "42")
	got := intEnv("CHATVAULT_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CHATVAULT_TEST_INT_BAD", "not-a-number")
	got := intEnv("CHATVAULT_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("CHATVAULT_TEST_DURATION", "150ms")
	got := durationEnv("CHATVAULT_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CHATVAULT_TEST_DURATION_BAD", "soon")
	got := durationEnv("CHATVAULT_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("CHATVAULT_TEST_INT_UNSET")
	_ = os.Unsetenv("CHATVAULT_TEST_DURATION_UNSET")

	if got := intEnv("CHATVAULT_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("CHATVAULT_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
	if got := envOrDefault("CHATVAULT_TEST_STRING_UNSET", "x"); got != "x" {
		t.Fatalf("expected fallback x, got %s", got)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:                  "0 B",
		512:                "512 B",
		1024:               "1.00 KB",
		1536:               "1.50 KB",
		1024 * 1024:        "1.00 MB",
		1024 * 1024 * 1024: "1.00 GB",
		12 << 30:           "12.00 GB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestUsagePercent(t *testing.T) {
	if got := usagePercent(5, 0); got != 0 {
		t.Fatalf("expected 0 without a limit, got %f", got)
	}
	if got := usagePercent(12, 10); got != 120 {
		t.Fatalf("expected 120, got %f", got)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(errors.New("boom")); got != exitFailed {
		t.Fatalf("expected %d, got %d", exitFailed, got)
	}
	if got := exitCode(&partialError{err: errors.New("1 of 2 sources failed")}); got != exitPartial {
		t.Fatalf("expected %d, got %d", exitPartial, got)
	}
}
