package prefs

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
)

var discard = log.New(io.Discard, "", 0)

type failingBackend struct {
	saves int
}

func (b *failingBackend) Load(context.Context, string) (string, bool, error) {
	return "", false, errors.New("storage unavailable")
}

func (b *failingBackend) Save(context.Context, string, string) error {
	b.saves++
	return errors.New("storage unavailable")
}

func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := backend.Load(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := backend.Save(ctx, KeyIncludeAdult, "false"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := backend.Save(ctx, KeyIncludeAdult, "true"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, ok, err := backend.Load(ctx, KeyIncludeAdult)
	if err != nil || !ok || value != "true" {
		t.Fatalf("expected true, got value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.json")
	backend, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	exerciseBackend(t, backend)

	reopened, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, ok, err := reopened.Load(context.Background(), KeyIncludeAdult)
	if err != nil || !ok || value != "true" {
		t.Fatalf("expected persisted value, got value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestFileBackendRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	backend, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	if _, _, err := backend.Load(context.Background(), KeyIncludeAdult); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSQLiteBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	backend, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	defer backend.Close()
	exerciseBackend(t, backend)
}

func TestSettingsReadsPersistedValues(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	_ = backend.Save(ctx, KeyIncludeAdult, "false")
	_ = backend.Save(ctx, KeyGroupColumns, "7")

	settings := NewSettings(ctx, backend, discard)
	if settings.IncludeAdult() {
		t.Fatalf("expected include adult false")
	}
	if settings.GroupColumns() != 7 {
		t.Fatalf("expected 7 columns, got %d", settings.GroupColumns())
	}
}

func TestSettingsFallsBackOnGarbage(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	_ = backend.Save(ctx, KeyIncludeAdult, "maybe")
	_ = backend.Save(ctx, KeyGroupColumns, "-1")

	settings := NewSettings(ctx, backend, discard)
	if settings.Values() != DefaultValues() {
		t.Fatalf("expected defaults, got %+v", settings.Values())
	}
}

func TestSettingsKeepsValueWhenBackendFails(t *testing.T) {
	backend := &failingBackend{}
	settings := NewSettings(context.Background(), backend, discard)
	if !settings.IncludeAdult() {
		t.Fatalf("expected default include adult true")
	}

	var seen []Values
	settings.Subscribe(func(v Values) { seen = append(seen, v) })

	if err := settings.SetIncludeAdult(context.Background(), false); err == nil {
		t.Fatalf("expected write error to be reported")
	}
	if settings.IncludeAdult() {
		t.Fatalf("expected in-memory value to survive write failure")
	}
	if len(seen) != 1 || seen[0].IncludeAdult {
		t.Fatalf("expected one notification, got %+v", seen)
	}

	_ = settings.SetIncludeAdult(context.Background(), false)
	if len(seen) != 1 {
		t.Fatalf("expected unchanged value not to notify, got %d", len(seen))
	}
	if backend.saves != 2 {
		t.Fatalf("expected both writes attempted, got %d", backend.saves)
	}
}
