package store

import (
	"context"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/reactive"
)

const (
	DefaultTagSaveDelay    = 250 * time.Millisecond
	DefaultTagSuggestDelay = 200 * time.Millisecond
	minSuggestPrefix       = 2
	defaultSuggestLimit    = 10
)

type RecordPatcher interface {
	PatchRecord(ctx context.Context, id string, patch domain.RecordPatch) (domain.Record, error)
}

type TagEditorState struct {
	Tags      []string
	Saving    bool
	SaveError string
}

type TagEditorConfig struct {
	Patcher  RecordPatcher
	RecordID string
	Tags     []string
	Delay    time.Duration
	// OnSaved receives the stored record after each successful save.
	OnSaved func(domain.Record)
	Logger  *log.Logger
}

// TagEditor edits a record's tag set locally and saves it with a debounced
// patch. Edits show immediately; a failed save is kept in SaveError.
type TagEditor struct {
	ctx      context.Context
	patcher  RecordPatcher
	recordID string
	onSaved  func(domain.Record)
	logger   *log.Logger

	debounce *Debouncer
	state    *reactive.Cell[TagEditorState]
	saveMu   sync.Mutex
}

func NewTagEditor(ctx context.Context, cfg TagEditorConfig) *TagEditor {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultTagSaveDelay
	}
	return &TagEditor{
		ctx:      ctx,
		patcher:  cfg.Patcher,
		recordID: cfg.RecordID,
		onSaved:  cfg.OnSaved,
		logger:   cfg.Logger,
		debounce: NewDebouncer(cfg.Delay),
		state:    reactive.NewCell(TagEditorState{Tags: domain.NormalizeTags(cfg.Tags)}, nil),
	}
}

func (e *TagEditor) State() TagEditorState {
	return e.state.Get()
}

func (e *TagEditor) Tags() []string {
	return e.state.Get().Tags
}

func (e *TagEditor) Subscribe(listener func(TagEditorState)) func() {
	return e.state.Subscribe(listener)
}

// Add commits a normalized tag. Duplicates and blanks change nothing and
// schedule no save.
func (e *TagEditor) Add(raw string) bool {
	current := e.state.Get()
	next, ok := domain.AddTag(current.Tags, raw)
	if !ok {
		return false
	}
	return e.setTags(current.Tags, next)
}

func (e *TagEditor) Remove(tag string) bool {
	current := e.state.Get()
	normalized := domain.NormalizeTag(tag)
	if !slices.Contains(current.Tags, normalized) {
		return false
	}
	return e.setTags(current.Tags, domain.RemoveTag(current.Tags, normalized))
}

// RemoveLast drops the most recently added tag, the backspace-on-empty-input gesture.
func (e *TagEditor) RemoveLast() bool {
	current := e.state.Get()
	if len(current.Tags) == 0 {
		return false
	}
	return e.setTags(current.Tags, slices.Clone(current.Tags[:len(current.Tags)-1]))
}

func (e *TagEditor) Replace(tags []string) bool {
	current := e.state.Get()
	return e.setTags(current.Tags, domain.NormalizeTags(tags))
}

// Flush saves a pending edit immediately.
func (e *TagEditor) Flush() bool {
	return e.debounce.Flush()
}

// Close drops a pending save.
func (e *TagEditor) Close() {
	e.debounce.Cancel()
}

func (e *TagEditor) setTags(previous, next []string) bool {
	if slices.Equal(previous, next) {
		return false
	}
	changed := e.state.Update(func(current TagEditorState) TagEditorState {
		if !slices.Equal(current.Tags, previous) {
			return current
		}
		current.Tags = next
		return current
	})
	if changed {
		e.debounce.Schedule(e.save)
	}
	return changed
}

func (e *TagEditor) save() {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	tags := slices.Clone(e.state.Get().Tags)
	e.state.Update(func(current TagEditorState) TagEditorState {
		current.Saving = true
		return current
	})

	record, err := e.patcher.PatchRecord(e.ctx, e.recordID, domain.RecordPatch{Tags: tags})

	e.state.Update(func(current TagEditorState) TagEditorState {
		current.Saving = false
		if err != nil {
			current.SaveError = err.Error()
		} else {
			current.SaveError = ""
		}
		return current
	})
	if err != nil {
		if e.logger != nil {
			e.logger.Printf("tag save failed record_id=%s err=%v", e.recordID, err)
		}
		return
	}
	if e.onSaved != nil {
		e.onSaved(record)
	}
}

type TagSuggester interface {
	SuggestTags(ctx context.Context, prefix string, limit int) ([]domain.TagSuggestion, error)
}

type SuggestionState struct {
	Prefix  string
	Loading bool
	Items   []domain.TagSuggestion
}

// TagSuggestions runs a debounced prefix search. Prefixes shorter than two
// characters clear the list without a request, and a response is shown only
// while its prefix is still the latest one.
type TagSuggestions struct {
	ctx       context.Context
	suggester TagSuggester
	limit     int
	logger    *log.Logger

	debounce *Debouncer
	state    *reactive.Cell[SuggestionState]

	mu     sync.Mutex
	latest string
}

func NewTagSuggestions(ctx context.Context, suggester TagSuggester, delay time.Duration, logger *log.Logger) *TagSuggestions {
	if delay <= 0 {
		delay = DefaultTagSuggestDelay
	}
	return &TagSuggestions{
		ctx:       ctx,
		suggester: suggester,
		limit:     defaultSuggestLimit,
		logger:    logger,
		debounce:  NewDebouncer(delay),
		state:     reactive.NewCell(SuggestionState{Items: []domain.TagSuggestion{}}, nil),
	}
}

func (s *TagSuggestions) State() SuggestionState {
	return s.state.Get()
}

func (s *TagSuggestions) Subscribe(listener func(SuggestionState)) func() {
	return s.state.Subscribe(listener)
}

func (s *TagSuggestions) Search(input string) {
	prefix := strings.ToLower(strings.TrimSpace(input))

	s.mu.Lock()
	s.latest = prefix
	s.mu.Unlock()

	if len([]rune(prefix)) < minSuggestPrefix {
		s.debounce.Cancel()
		s.state.Set(SuggestionState{Prefix: prefix, Items: []domain.TagSuggestion{}})
		return
	}
	s.debounce.Schedule(func() { s.fetch(prefix) })
}

func (s *TagSuggestions) Close() {
	s.debounce.Cancel()
}

func (s *TagSuggestions) fetch(prefix string) {
	if !s.isLatest(prefix) {
		return
	}
	s.state.Update(func(current SuggestionState) SuggestionState {
		current.Prefix = prefix
		current.Loading = true
		return current
	})

	items, err := s.suggester.SuggestTags(s.ctx, prefix, s.limit)
	if !s.isLatest(prefix) {
		return
	}
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("tag suggestions failed prefix=%q err=%v", prefix, err)
		}
		items = []domain.TagSuggestion{}
	}
	s.state.Set(SuggestionState{Prefix: prefix, Items: items})
}

func (s *TagSuggestions) isLatest(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest == prefix
}
