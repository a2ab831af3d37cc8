package logger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestFileLoggerAndRuntimeLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "arena.log")
	if err := Init(WithFile(path), WithFormat("json"), WithLevel("info"), WithVersion("1.2.3")); err != nil {
		t.Fatalf("Init: %v", err)
	}

	New("store").Debug("hidden")
	New("store").Info("visible", zap.Int("docs", 3))

	rec := httptest.NewRecorder()
	LevelHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/log/level", strings.NewReader(`{"level":"debug"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT level = %d %s", rec.Code, rec.Body.String())
	}
	L().Debug("now shown")

	if err := Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	L().Info("after shutdown")

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	first := lines[0]
	if first["msg"] != "visible" || first["component"] != "store" || first["version"] != "1.2.3" || first["service"] != "arena-sync" {
		t.Errorf("unexpected first entry %v", first)
	}
	if lines[1]["msg"] != "now shown" {
		t.Errorf("unexpected second entry %v", lines[1])
	}
}

func TestLevelHandlerBeforeInit(t *testing.T) {
	_ = Shutdown()
	rec := httptest.NewRecorder()
	LevelHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/log/level", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET level without a logger = %d", rec.Code)
	}
	if err := Shutdown(); err == nil {
		t.Error("Shutdown without Init should fail")
	}
}

func TestInitRejectsBadOptions(t *testing.T) {
	if err := Init(WithFormat("xml")); err == nil {
		t.Error("expected error for unknown format")
	}
	if err := Init(WithLevel("loud")); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestContextFieldsAccumulate(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := WithFields(context.Background(), zap.String("command", "watch battle"))
	child := WithFields(ctx, zap.String("battle_id", "b-1"))
	sibling := WithFields(ctx, zap.String("battle_id", "b-2"))

	For(child, base).Info("child")
	For(sibling, base).Info("sibling")
	For(context.Background(), base).Info("bare")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	if got := entries[0].ContextMap(); got["command"] != "watch battle" || got["battle_id"] != "b-1" {
		t.Errorf("child fields = %v", got)
	}
	if got := entries[1].ContextMap(); got["battle_id"] != "b-2" {
		t.Errorf("sibling fields = %v", got)
	}
	if got := entries[2].ContextMap(); len(got) != 0 {
		t.Errorf("bare fields = %v", got)
	}
	if WithFields(ctx) != ctx {
		t.Error("WithFields without fields should return ctx")
	}
}

func TestNilHelpers(t *testing.T) {
	if OrNop(nil) == nil || For(context.Background(), nil) == nil {
		t.Fatal("nil logger not replaced")
	}
	l := zap.NewExample()
	if OrNop(l) != l {
		t.Error("OrNop should return the given logger")
	}
}
