package tools_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"modelgate/internal/tools"
)

func TestDefaultRegistryNames(t *testing.T) {
	reg := tools.DefaultRegistry()
	for _, name := range []string{"echo", "http_get", "regex_extract", "json_pretty"} {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("missing builtin %s", name)
		}
	}
	if _, ok := reg.Get("nonesuch"); ok {
		t.Fatalf("unexpected tool")
	}
}

func TestEcho(t *testing.T) {
	out, _, err := (&tools.Echo{}).Execute(context.Background(), map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "echo: hi" {
		t.Fatalf("got %v", out)
	}
}

func TestHTTPGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	out, logs, err := (&tools.HTTPGet{}).Execute(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "payload" {
		t.Fatalf("got %v", out)
	}
	if !strings.Contains(logs, "status=200") {
		t.Fatalf("logs %q", logs)
	}

	if _, _, err := (&tools.HTTPGet{}).Execute(context.Background(), nil); err == nil {
		t.Fatalf("missing url must error")
	}
}

func TestRegexExtract(t *testing.T) {
	out, _, err := (&tools.RegexExtract{}).Execute(context.Background(), map[string]any{
		"text":    "ids: A-1 B-2",
		"pattern": `([A-Z])-(\d)`,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	matches, ok := out.([][]string)
	if !ok || len(matches) != 2 {
		t.Fatalf("got %v", out)
	}
	if matches[0][1] != "A" || matches[1][2] != "2" {
		t.Fatalf("unexpected groups %v", matches)
	}

	if _, _, err := (&tools.RegexExtract{}).Execute(context.Background(), map[string]any{"text": "x", "pattern": "("}); err == nil {
		t.Fatalf("bad pattern must error")
	}
}

func TestJSONPretty(t *testing.T) {
	out, _, err := (&tools.JSONPretty{}).Execute(context.Background(), map[string]any{"json": `{"b":1,"a":2}`})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	s, _ := out.(string)
	if !strings.Contains(s, "\n") {
		t.Fatalf("expected indented output, got %q", s)
	}
	if _, _, err := (&tools.JSONPretty{}).Execute(context.Background(), map[string]any{"json": "{"}); err == nil {
		t.Fatalf("invalid json must error")
	}
}
