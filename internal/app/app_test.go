package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"modelgate/internal/app"
	"modelgate/internal/config"
)

func TestNewBuildsRuntimeFromDefaults(t *testing.T) {
	a, err := app.New(t.TempDir(), config.Default(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	if !a.Invoker.Known("mock") {
		t.Fatalf("default mock backend not registered")
	}
	if a.Runner == nil || a.Breaker == nil || a.Validators == nil {
		t.Fatalf("incomplete runtime: %+v", a)
	}
	if a.Breaker.Excluded == nil || !a.Breaker.Excluded(context.Canceled) {
		t.Fatalf("caller cancellation must not count toward the failure window")
	}
	if a.Breaker.Excluded(errors.New("boom")) {
		t.Fatalf("ordinary failures must count toward the failure window")
	}
}
