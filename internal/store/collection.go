// Package store holds the client-side state machines that keep record pages
// and background tasks in step with the record service.
package store

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/prefs"
	"github.com/iago/vestigium-sync/internal/reactive"
)

// Fetcher performs one page query.
type Fetcher interface {
	ListRecords(ctx context.Context, params domain.ListParams) (domain.ListResult, error)
}

// SettingsSource is the externally owned adult-content preference.
type SettingsSource interface {
	IncludeAdult() bool
	Subscribe(listener func(prefs.Values)) func()
}

type CollectionState struct {
	Loading    bool
	Error      string
	Items      []domain.Record
	TotalCount int
	// Loaded is true once any fetch succeeded.
	Loaded bool
}

// LoadingPolicy reports whether a new fetch should raise the loading flag
// given the result state at the moment it is issued.
type LoadingPolicy func(current CollectionState) bool

// LoadingWhenEmpty only shows loading on first paint so reloads never hide
// content that is already on screen.
func LoadingWhenEmpty(current CollectionState) bool {
	return len(current.Items) == 0
}

func LoadingAlways(CollectionState) bool {
	return true
}

type CollectionConfig struct {
	Fetcher  Fetcher
	Settings SettingsSource
	Initial  *domain.Filter
	Loading  LoadingPolicy
	Logger   *log.Logger
}

// CollectionStore owns a filter cell and a separate result cell. Every
// distinct effective filter issues exactly one fetch; only the response to the
// most recently issued fetch is applied.
type CollectionStore struct {
	fetcher  Fetcher
	settings SettingsSource
	loading  LoadingPolicy
	logger   *log.Logger

	filter *reactive.Cell[domain.Filter]
	result *reactive.Cell[CollectionState]

	baseCtx context.Context

	mu        sync.Mutex
	cancel    context.CancelFunc
	issued    domain.Filter
	hasIssued bool
	closed    bool
	unsubs    []func()

	// seq identifies the latest issued fetch; applyMu serializes result writes.
	seq     atomic.Uint64
	applyMu sync.Mutex
	wg      sync.WaitGroup
}

// NewCollectionStore issues the initial fetch before returning. ctx bounds
// every fetch the store makes.
func NewCollectionStore(ctx context.Context, cfg CollectionConfig) *CollectionStore {
	initial := domain.NewFilter()
	if cfg.Initial != nil {
		initial = *cfg.Initial
	}
	if cfg.Loading == nil {
		cfg.Loading = LoadingWhenEmpty
	}
	if cfg.Settings != nil {
		initial.IncludeAdult = cfg.Settings.IncludeAdult()
	}

	s := &CollectionStore{
		fetcher:  cfg.Fetcher,
		settings: cfg.Settings,
		loading:  cfg.Loading,
		logger:   cfg.Logger,
		filter:   reactive.NewCell(initial, domain.Filter.Equal),
		result:   reactive.NewCell(CollectionState{Items: []domain.Record{}}, nil),
		baseCtx:  ctx,
	}

	s.unsubs = append(s.unsubs, s.filter.Subscribe(func(domain.Filter) { s.trigger() }))
	if s.settings != nil {
		s.unsubs = append(s.unsubs, s.settings.Subscribe(s.settingsChanged))
	}
	s.trigger()
	return s
}

// settingsChanged moves the adult-content flag into the filter like any other
// criterion, so a change sends the store back to page 0.
func (s *CollectionStore) settingsChanged(values prefs.Values) {
	changed := s.filter.Update(func(f domain.Filter) domain.Filter {
		if f.IncludeAdult == values.IncludeAdult {
			return f
		}
		return f.WithIncludeAdult(values.IncludeAdult)
	})
	if !changed {
		s.trigger()
	}
}

func (s *CollectionStore) Filter() domain.Filter {
	return s.filter.Get()
}

// EffectiveFilter is the snapshot actually sent: the filter with the adult
// content setting folded in.
func (s *CollectionStore) EffectiveFilter() domain.Filter {
	effective := s.filter.Get()
	if s.settings != nil {
		effective.IncludeAdult = s.settings.IncludeAdult()
	}
	return effective
}

func (s *CollectionStore) State() CollectionState {
	return s.result.Get()
}

// Subscribe observes result changes. Listeners must not call store mutators
// synchronously.
func (s *CollectionStore) Subscribe(listener func(CollectionState)) func() {
	return s.result.Subscribe(listener)
}

func (s *CollectionStore) SubscribeFilter(listener func(domain.Filter)) func() {
	return s.filter.Subscribe(listener)
}

func (s *CollectionStore) SetQuery(query string) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithQuery(query) })
}

func (s *CollectionStore) SetTags(tags []string) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithTags(tags) })
}

func (s *CollectionStore) ToggleTag(tag string) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithTagToggled(tag) })
}

func (s *CollectionStore) SetListIDs(ids []string) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithListIDs(ids) })
}

func (s *CollectionStore) ToggleList(id string) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithListToggled(id) })
}

func (s *CollectionStore) SetImportant(value *bool) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithImportant(value) })
}

func (s *CollectionStore) SetVisited(value *bool) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithVisited(value) })
}

func (s *CollectionStore) SetAddedRange(from, to string) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithAddedRange(from, to) })
}

func (s *CollectionStore) SetSort(sort domain.Sort) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithSort(sort) })
}

func (s *CollectionStore) SetPage(page int) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithPage(page) })
}

func (s *CollectionStore) SetPageSize(size int) {
	s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithPageSize(size) })
}

// NextPage advances only when the current page came back full.
func (s *CollectionStore) NextPage() bool {
	filter := s.filter.Get()
	if len(s.result.Get().Items) < filter.PageSize {
		return false
	}
	return s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithPage(f.Page + 1) })
}

func (s *CollectionStore) PrevPage() bool {
	if s.filter.Get().Page == 0 {
		return false
	}
	return s.filter.Update(func(f domain.Filter) domain.Filter { return f.WithPage(f.Page - 1) })
}

// Refresh re-fetches the current snapshot by bumping only the refresh nonce.
func (s *CollectionStore) Refresh() {
	s.filter.Update(domain.Filter.WithRefresh)
}

func (s *CollectionStore) ClearFilters() {
	s.filter.Update(domain.Filter.Cleared)
}

func (s *CollectionStore) HasFilters() bool {
	return s.filter.Get().HasCriteria()
}

func (s *CollectionStore) Summary() string {
	return s.filter.Get().Summary()
}

// ReplaceItem swaps the record with the same id in place without refetching.
func (s *CollectionStore) ReplaceItem(record domain.Record) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	replaced := false
	s.result.Update(func(current CollectionState) CollectionState {
		items := make([]domain.Record, len(current.Items))
		for i, item := range current.Items {
			if item.ID == record.ID {
				items[i] = domain.CloneRecord(record)
				replaced = true
				continue
			}
			items[i] = item
		}
		current.Items = items
		return current
	})
	return replaced
}

// RemoveItem drops the record locally and decrements the total.
func (s *CollectionStore) RemoveItem(id string) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	removed := false
	s.result.Update(func(current CollectionState) CollectionState {
		items := make([]domain.Record, 0, len(current.Items))
		for _, item := range current.Items {
			if item.ID == id {
				removed = true
				continue
			}
			items = append(items, item)
		}
		if removed {
			current.Items = items
			current.TotalCount = max(0, current.TotalCount-1)
		}
		return current
	})
	return removed
}

// Wait blocks until every issued fetch has returned.
func (s *CollectionStore) Wait() {
	s.wg.Wait()
}

// Close stops listening for filter and setting changes and cancels the
// outstanding fetch.
func (s *CollectionStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	s.wg.Wait()
}

func (s *CollectionStore) trigger() {
	s.mu.Lock()
	effective := s.EffectiveFilter()
	if s.closed || (s.hasIssued && effective.Equal(s.issued)) {
		s.mu.Unlock()
		return
	}
	s.issued = effective
	s.hasIssued = true
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	seq := s.seq.Add(1)
	s.wg.Add(1)
	s.mu.Unlock()

	s.applyMu.Lock()
	s.result.Update(func(current CollectionState) CollectionState {
		current.Error = ""
		current.Loading = s.loading(current)
		return current
	})
	s.applyMu.Unlock()

	go s.fetch(ctx, cancel, seq, effective)
}

func (s *CollectionStore) fetch(ctx context.Context, cancel context.CancelFunc, seq uint64, filter domain.Filter) {
	defer s.wg.Done()
	defer cancel()

	result, err := s.fetcher.ListRecords(ctx, filter.Params())

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.seq.Load() != seq || ctx.Err() != nil {
		if s.logger != nil {
			s.logger.Printf("collection dropped superseded response seq=%d", seq)
		}
		return
	}

	if err != nil {
		if s.logger != nil {
			s.logger.Printf("collection fetch failed seq=%d err=%v", seq, err)
		}
		s.result.Update(func(current CollectionState) CollectionState {
			current.Loading = false
			current.Error = err.Error()
			if !current.Loaded {
				current.Items = []domain.Record{}
				current.TotalCount = 0
			}
			return current
		})
		return
	}

	items := result.Items
	if items == nil {
		items = []domain.Record{}
	}
	s.result.Set(CollectionState{
		Items:      items,
		TotalCount: result.TotalCount,
		Loaded:     true,
	})
}
