package config

import (
	"context"
	"path/filepath"
	"testing"
)

func TestResolveHomeOverrideWins(t *testing.T) {
	t.Setenv("CREWD_HOME", "/env/home")

	got, err := ResolveHome("/explicit/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/explicit/home") {
		t.Fatalf("ResolveHome = %q, want /explicit/home", got)
	}
}

func TestResolveHomeEnv(t *testing.T) {
	t.Setenv("CREWD_HOME", "/env/home")

	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome = %q, want /env/home", got)
	}
}

func TestHomeContextRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := WithHome(context.Background(), "/h")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/h" {
		t.Fatalf("HomeFrom = %q, %v", got, ok)
	}
	if MustHomeFrom(ctx) != "/h" {
		t.Fatalf("MustHomeFrom mismatch")
	}

	if _, ok := HomeFrom(context.Background()); ok {
		t.Fatal("HomeFrom on empty context should report missing")
	}
}
