package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/iago/vestigium-sync/internal/domain"
)

// pagedFetcher serves total synthetic records page by page.
func pagedFetcher(total int) *recordingFetcher {
	return &recordingFetcher{answer: func(params domain.ListParams) (domain.ListResult, error) {
		start := params.Page * params.PageSize
		end := min(start+params.PageSize, total)
		items := make([]domain.Record, 0, max(end-start, 0))
		for i := start; i < end; i++ {
			items = append(items, domain.Record{ID: fmt.Sprintf("adult=%t/%d", params.IncludeAdult, i)})
		}
		return domain.ListResult{Items: items, TotalCount: total}, nil
	}}
}

func TestBulkLoaderStopsAtRenderCap(t *testing.T) {
	fetcher := pagedFetcher(1200)
	loader := NewBulkLoader(BulkConfig{Fetcher: fetcher, PageSize: 100, RenderCap: 500, MaxPages: 50})

	if err := loader.Load(context.Background(), true); err != nil {
		t.Fatalf("load: %v", err)
	}
	state := loader.State()
	if len(state.Items) != 500 || !state.Partial || state.TotalCount != 1200 || state.Loading {
		t.Fatalf("unexpected state items=%d partial=%t total=%d loading=%t", len(state.Items), state.Partial, state.TotalCount, state.Loading)
	}
	if len(fetcher.Calls()) != 5 {
		t.Fatalf("expected 5 pages, got %d", len(fetcher.Calls()))
	}
	for _, params := range fetcher.Calls() {
		if params.PageSize != 100 || params.Sort != domain.SortAddedDesc {
			t.Fatalf("unexpected params %+v", params)
		}
	}
}

func TestBulkLoaderSinglePage(t *testing.T) {
	fetcher := pagedFetcher(50)
	loader := NewBulkLoader(BulkConfig{Fetcher: fetcher})

	if err := loader.Load(context.Background(), true); err != nil {
		t.Fatalf("load: %v", err)
	}
	state := loader.State()
	if len(state.Items) != 50 || state.Partial {
		t.Fatalf("expected 50 items and not partial, got %d partial=%t", len(state.Items), state.Partial)
	}
	if len(fetcher.Calls()) != 1 {
		t.Fatalf("expected one page, got %d", len(fetcher.Calls()))
	}
}

func TestBulkLoaderStopsAtPageCap(t *testing.T) {
	fetcher := pagedFetcher(10_000)
	loader := NewBulkLoader(BulkConfig{Fetcher: fetcher, PageSize: 10, RenderCap: 500, MaxPages: 3})

	if err := loader.Load(context.Background(), true); err != nil {
		t.Fatalf("load: %v", err)
	}
	state := loader.State()
	if len(state.Items) != 30 || !state.Partial {
		t.Fatalf("expected 30 items and partial, got %d partial=%t", len(state.Items), state.Partial)
	}
}

func TestBulkLoaderEmptyPageStops(t *testing.T) {
	fetcher := &recordingFetcher{answer: func(domain.ListParams) (domain.ListResult, error) {
		return domain.ListResult{Items: []domain.Record{}, TotalCount: 0}, nil
	}}
	loader := NewBulkLoader(BulkConfig{Fetcher: fetcher})
	if err := loader.Load(context.Background(), false); err != nil {
		t.Fatalf("load: %v", err)
	}
	if state := loader.State(); len(state.Items) != 0 || state.Partial || len(fetcher.Calls()) != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestBulkLoaderErrorClearsResult(t *testing.T) {
	failing := false
	var mu sync.Mutex
	fetcher := &recordingFetcher{answer: func(params domain.ListParams) (domain.ListResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing && params.Page == 1 {
			return domain.ListResult{}, errors.New("bad gateway")
		}
		return domain.ListResult{Items: recordsWithPrefix("r", params.PageSize), TotalCount: 1000}, nil
	}}
	loader := NewBulkLoader(BulkConfig{Fetcher: fetcher, PageSize: 10, RenderCap: 30})
	if err := loader.Load(context.Background(), true); err != nil {
		t.Fatalf("load: %v", err)
	}

	mu.Lock()
	failing = true
	mu.Unlock()
	if err := loader.Load(context.Background(), true); err == nil {
		t.Fatalf("expected error")
	}
	state := loader.State()
	if state.Error != "bad gateway" || len(state.Items) != 0 || state.Loading {
		t.Fatalf("failed scan should clear the result: %+v", state)
	}
}

func TestBulkLoaderNeverPublishesSupersededGeneration(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	inner := pagedFetcher(40)
	fetcher := fetcherFunc(func(ctx context.Context, params domain.ListParams) (domain.ListResult, error) {
		if params.IncludeAdult {
			once.Do(func() { close(entered) })
			<-gate
		}
		return inner.ListRecords(ctx, params)
	})
	loader := NewBulkLoader(BulkConfig{Fetcher: fetcher, PageSize: 10})

	var mu sync.Mutex
	var published []BulkState
	loader.Subscribe(func(state BulkState) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, state)
	})

	firstErr := make(chan error, 1)
	go func() { firstErr <- loader.Load(context.Background(), true) }()
	<-entered

	if err := loader.Load(context.Background(), false); err != nil {
		t.Fatalf("second load: %v", err)
	}
	close(gate)
	if err := <-firstErr; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	sawSecond := false
	for _, state := range published {
		if state.Generation == 2 {
			sawSecond = true
		}
		if sawSecond && state.Generation == 1 {
			t.Fatalf("generation 1 published after generation 2 started")
		}
		for _, item := range state.Items {
			if strings.HasPrefix(item.ID, "adult=true") {
				t.Fatalf("superseded items were published: %s", item.ID)
			}
		}
	}
	final := loader.State()
	if final.Generation != 2 || len(final.Items) != 40 || final.Partial {
		t.Fatalf("unexpected final state generation=%d items=%d partial=%t", final.Generation, len(final.Items), final.Partial)
	}
}

func TestBulkLoaderWatchRescansOnSettingChange(t *testing.T) {
	fetcher := pagedFetcher(5)
	loader := NewBulkLoader(BulkConfig{Fetcher: fetcher})
	settings := newFakeSettings(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loader.Watch(ctx, settings)
		close(done)
	}()
	waitFor(t, "first scan", func() bool { return len(loader.State().Items) == 5 })

	settings.set(true)
	settings.set(false)
	waitFor(t, "rescan", func() bool {
		items := loader.State().Items
		return len(items) == 5 && strings.HasPrefix(items[0].ID, "adult=false")
	})
	cancel()
	<-done

	if got := loader.Generation(); got != 2 {
		t.Fatalf("expected 2 generations, got %d", got)
	}
	last := fetcher.Calls()[len(fetcher.Calls())-1]
	if last.IncludeAdult || last.Page != 0 {
		t.Fatalf("rescan should restart from page 0 without adult content, got %+v", last)
	}
}

func TestBulkLoaderCancelledContext(t *testing.T) {
	loader := NewBulkLoader(BulkConfig{Fetcher: pagedFetcher(10)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := loader.Load(ctx, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if state := loader.State(); state.Loading || len(state.Items) != 0 {
		t.Fatalf("cancelled scan should not publish: %+v", state)
	}
}
