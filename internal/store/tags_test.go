package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/vestigium-sync/internal/domain"
)

func TestDebouncerRunsOnlyLatest(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	var ran atomic.Int32
	var last atomic.Int32
	for i := range 5 {
		d.Schedule(func() {
			ran.Add(1)
			last.Store(int32(i))
		})
	}
	waitFor(t, "debounced call", func() bool { return ran.Load() == 1 })
	time.Sleep(40 * time.Millisecond)
	if ran.Load() != 1 || last.Load() != 4 {
		t.Fatalf("expected only the last call, ran=%d last=%d", ran.Load(), last.Load())
	}
	if d.Pending() {
		t.Fatalf("nothing should be pending")
	}
}

func TestDebouncerFlushAndCancel(t *testing.T) {
	d := NewDebouncer(time.Hour)
	ran := 0
	d.Schedule(func() { ran++ })
	if !d.Pending() {
		t.Fatalf("expected pending call")
	}
	if !d.Flush() || ran != 1 {
		t.Fatalf("flush should run the pending call")
	}
	if d.Flush() {
		t.Fatalf("second flush has nothing to run")
	}

	d.Schedule(func() { ran++ })
	d.Cancel()
	if d.Pending() || d.Flush() || ran != 1 {
		t.Fatalf("cancel should drop the pending call")
	}
}

type recordingPatcher struct {
	mu      sync.Mutex
	patches []domain.RecordPatch
	err     error
}

func (p *recordingPatcher) PatchRecord(_ context.Context, id string, patch domain.RecordPatch) (domain.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patches = append(p.patches, patch)
	if p.err != nil {
		return domain.Record{}, p.err
	}
	return domain.Record{ID: id, Tags: patch.Tags}, nil
}

func (p *recordingPatcher) Patches() []domain.RecordPatch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RecordPatch(nil), p.patches...)
}

func TestTagEditorNormalizesAndIgnoresDuplicates(t *testing.T) {
	patcher := &recordingPatcher{}
	editor := NewTagEditor(context.Background(), TagEditorConfig{Patcher: patcher, RecordID: "r1", Delay: time.Hour})
	defer editor.Close()

	events := 0
	editor.Subscribe(func(TagEditorState) { events++ })

	if !editor.Add("  TAG  WITH  SPACES  ") {
		t.Fatalf("expected new tag to be added")
	}
	if got := editor.Tags(); !slices.Equal(got, []string{"tag with spaces"}) {
		t.Fatalf("unexpected tags %q", got)
	}
	if editor.Add("tag with spaces") || editor.Add("Tag With Spaces") || editor.Add("   ") {
		t.Fatalf("duplicate or blank tag should be a no-op")
	}
	if events != 1 {
		t.Fatalf("no-op adds should not notify, got %d events", events)
	}
}

func TestTagEditorDebouncesSaves(t *testing.T) {
	patcher := &recordingPatcher{}
	var saved []domain.Record
	editor := NewTagEditor(context.Background(), TagEditorConfig{
		Patcher:  patcher,
		RecordID: "r1",
		Tags:     []string{"Go"},
		Delay:    time.Hour,
		OnSaved:  func(record domain.Record) { saved = append(saved, record) },
	})
	defer editor.Close()

	editor.Add("rust")
	editor.Add("zig")
	editor.Remove("GO")
	editor.RemoveLast()
	if len(patcher.Patches()) != 0 {
		t.Fatalf("saves should wait for the debounce delay")
	}
	if !editor.Flush() {
		t.Fatalf("expected a pending save")
	}

	patches := patcher.Patches()
	if len(patches) != 1 || !slices.Equal(patches[0].Tags, []string{"rust"}) {
		t.Fatalf("expected one save with the final tags, got %+v", patches)
	}
	if len(saved) != 1 || saved[0].ID != "r1" {
		t.Fatalf("expected OnSaved with the stored record, got %+v", saved)
	}
	if editor.State().Saving {
		t.Fatalf("saving flag should clear")
	}
}

func TestTagEditorSavesAfterDelay(t *testing.T) {
	patcher := &recordingPatcher{}
	editor := NewTagEditor(context.Background(), TagEditorConfig{Patcher: patcher, RecordID: "r1", Delay: 5 * time.Millisecond})
	defer editor.Close()

	editor.Replace([]string{"b", "A", "b"})
	waitFor(t, "debounced save", func() bool { return len(patcher.Patches()) == 1 })
	if got := patcher.Patches()[0].Tags; !slices.Equal(got, []string{"b", "a"}) {
		t.Fatalf("unexpected saved tags %q", got)
	}
}

func TestTagEditorKeepsSaveError(t *testing.T) {
	patcher := &recordingPatcher{err: errors.New("record not found")}
	editor := NewTagEditor(context.Background(), TagEditorConfig{Patcher: patcher, RecordID: "r1", Delay: time.Hour, Logger: discardLogger()})
	defer editor.Close()

	editor.Add("go")
	editor.Flush()
	state := editor.State()
	if state.SaveError != "record not found" {
		t.Fatalf("expected save error, got %q", state.SaveError)
	}
	if !slices.Equal(state.Tags, []string{"go"}) {
		t.Fatalf("local edit should survive a failed save, got %q", state.Tags)
	}

	patcher.mu.Lock()
	patcher.err = nil
	patcher.mu.Unlock()
	editor.Add("rust")
	editor.Flush()
	if editor.State().SaveError != "" {
		t.Fatalf("successful save should clear the error")
	}
}

type gatedSuggester struct {
	mu      sync.Mutex
	calls   []string
	gates   map[string]chan struct{}
	entered chan string
	err     error
}

func (s *gatedSuggester) SuggestTags(_ context.Context, prefix string, limit int) ([]domain.TagSuggestion, error) {
	s.mu.Lock()
	s.calls = append(s.calls, prefix)
	gate := s.gates[prefix]
	err := s.err
	s.mu.Unlock()
	if s.entered != nil {
		s.entered <- prefix
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return []domain.TagSuggestion{{Name: prefix + "-tag", Count: limit}}, nil
}

func (s *gatedSuggester) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestTagSuggestionsShortPrefixClears(t *testing.T) {
	suggester := &gatedSuggester{}
	suggestions := NewTagSuggestions(context.Background(), suggester, time.Millisecond, nil)
	defer suggestions.Close()

	suggestions.Search(" G ")
	time.Sleep(10 * time.Millisecond)
	if len(suggester.Calls()) != 0 {
		t.Fatalf("short prefix should not query, got %q", suggester.Calls())
	}
	if state := suggestions.State(); state.Prefix != "g" || len(state.Items) != 0 {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestTagSuggestionsDebouncesAndNormalizes(t *testing.T) {
	suggester := &gatedSuggester{}
	suggestions := NewTagSuggestions(context.Background(), suggester, 10*time.Millisecond, nil)
	defer suggestions.Close()

	suggestions.Search("G")
	suggestions.Search("Go")
	suggestions.Search("  GOL ")
	waitFor(t, "suggestions", func() bool { return len(suggestions.State().Items) == 1 })

	if calls := suggester.Calls(); !slices.Equal(calls, []string{"gol"}) {
		t.Fatalf("expected a single normalized query, got %q", calls)
	}
	state := suggestions.State()
	if state.Items[0].Name != "gol-tag" || state.Items[0].Count != defaultSuggestLimit || state.Loading {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestTagSuggestionsDropStaleResponse(t *testing.T) {
	gate := make(chan struct{})
	suggester := &gatedSuggester{gates: map[string]chan struct{}{"go": gate}, entered: make(chan string, 4)}
	suggestions := NewTagSuggestions(context.Background(), suggester, time.Millisecond, nil)
	defer suggestions.Close()

	suggestions.Search("go")
	if prefix := <-suggester.entered; prefix != "go" {
		t.Fatalf("unexpected first query %q", prefix)
	}
	suggestions.Search("golang")
	<-suggester.entered
	waitFor(t, "latest suggestions", func() bool { return suggestions.State().Prefix == "golang" && len(suggestions.State().Items) == 1 })

	close(gate)
	time.Sleep(10 * time.Millisecond)
	if state := suggestions.State(); state.Prefix != "golang" || state.Items[0].Name != "golang-tag" {
		t.Fatalf("stale response replaced the latest one: %+v", state)
	}
}

func TestTagSuggestionsErrorYieldsEmpty(t *testing.T) {
	suggester := &gatedSuggester{err: errors.New("boom")}
	suggestions := NewTagSuggestions(context.Background(), suggester, time.Millisecond, discardLogger())
	defer suggestions.Close()

	suggestions.Search("go")
	waitFor(t, "query", func() bool { return len(suggester.Calls()) == 1 })
	waitFor(t, "settled", func() bool { return !suggestions.State().Loading && suggestions.State().Prefix == "go" })
	if items := suggestions.State().Items; items == nil || len(items) != 0 {
		t.Fatalf("expected empty items, got %v", items)
	}
}
