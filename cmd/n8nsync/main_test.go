package main

import (
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("N8NSYNC_TEST_STRING", "  value  ")
	if got := envOrDefault("N8NSYNC_TEST_STRING", "fallback"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := envOrDefault("N8NSYNC_TEST_STRING_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("N8NSYNC_TEST_DURATION", "45s")
	if got := durationEnv("N8NSYNC_TEST_DURATION", time.Minute); got != 45*time.Second {
		t.Fatalf("expected 45s, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("N8NSYNC_TEST_DURATION_BAD", "soon")
	if got := durationEnv("N8NSYNC_TEST_DURATION_BAD", 30*time.Second); got != 30*time.Second {
		t.Fatalf("expected fallback 30s, got %s", got)
	}
}
