package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/prefs"
	"github.com/iago/vestigium-sync/internal/reactive"
)

// ErrSuperseded is returned by a bulk load whose generation was replaced
// before it could publish.
var ErrSuperseded = errors.New("bulk load superseded")

const (
	DefaultBulkPageSize  = 100
	DefaultBulkRenderCap = 500
	DefaultBulkMaxPages  = 50
)

type BulkConfig struct {
	Fetcher   Fetcher
	PageSize  int
	RenderCap int
	MaxPages  int
	Sort      domain.Sort
	Logger    *log.Logger
}

type BulkState struct {
	Loading    bool
	Progress   string
	Error      string
	Items      []domain.Record
	TotalCount int
	// Partial is set when the render cap or the page cap cut the scan short.
	Partial    bool
	Generation uint64
}

// BulkLoader materializes many records at once under a hard render cap. Each
// Load takes a new generation; only the current generation ever publishes.
type BulkLoader struct {
	fetcher   Fetcher
	pageSize  int
	renderCap int
	maxPages  int
	sort      domain.Sort
	logger    *log.Logger

	generation atomic.Uint64
	// publishMu pairs the generation check with the state write.
	publishMu sync.Mutex
	state     *reactive.Cell[BulkState]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBulkLoader(cfg BulkConfig) *BulkLoader {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultBulkPageSize
	}
	if cfg.RenderCap <= 0 {
		cfg.RenderCap = DefaultBulkRenderCap
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultBulkMaxPages
	}
	if !cfg.Sort.Valid() {
		cfg.Sort = domain.SortAddedDesc
	}
	return &BulkLoader{
		fetcher:   cfg.Fetcher,
		pageSize:  cfg.PageSize,
		renderCap: cfg.RenderCap,
		maxPages:  cfg.MaxPages,
		sort:      cfg.Sort,
		logger:    cfg.Logger,
		state:     reactive.NewCell(BulkState{Items: []domain.Record{}}, nil),
	}
}

func (l *BulkLoader) State() BulkState {
	return l.state.Get()
}

func (l *BulkLoader) Subscribe(listener func(BulkState)) func() {
	return l.state.Subscribe(listener)
}

func (l *BulkLoader) Generation() uint64 {
	return l.generation.Load()
}

// Start cancels the running scan, if any, and begins a new one in the background.
func (l *BulkLoader) Start(ctx context.Context, includeAdult bool) {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	gen := l.generation.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer cancel()
		if err := l.run(runCtx, gen, includeAdult); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, context.Canceled) {
			if l.logger != nil {
				l.logger.Printf("bulk load failed generation=%d err=%v", gen, err)
			}
		}
	}()
}

// Load runs one scan on the calling goroutine. It returns ErrSuperseded when
// a newer scan started first, and ctx.Err() when cancelled.
func (l *BulkLoader) Load(ctx context.Context, includeAdult bool) error {
	return l.run(ctx, l.generation.Add(1), includeAdult)
}

// Watch rescans from page 0 every time the adult-content setting changes,
// after an initial scan. It returns once ctx is done.
func (l *BulkLoader) Watch(ctx context.Context, settings SettingsSource) {
	last := settings.IncludeAdult()
	var lastMu sync.Mutex
	unsubscribe := settings.Subscribe(func(values prefs.Values) {
		lastMu.Lock()
		changed := values.IncludeAdult != last
		last = values.IncludeAdult
		lastMu.Unlock()
		if changed {
			l.Start(ctx, values.IncludeAdult)
		}
	})
	l.Start(ctx, last)

	<-ctx.Done()
	unsubscribe()
	l.Wait()
}

// Wait blocks until every scan started with Start has returned.
func (l *BulkLoader) Wait() {
	l.wg.Wait()
}

func (l *BulkLoader) run(ctx context.Context, gen uint64, includeAdult bool) error {
	if !l.publish(ctx, gen, func(current BulkState) BulkState {
		return BulkState{
			Loading:    true,
			Progress:   "Starting...",
			Items:      current.Items,
			TotalCount: current.TotalCount,
			Generation: gen,
		}
	}) {
		return l.abortErr(ctx)
	}

	collected := make([]domain.Record, 0, min(l.renderCap, l.pageSize*l.maxPages))
	total := -1
	page := 0
	for {
		if l.generation.Load() != gen || ctx.Err() != nil {
			return l.abortErr(ctx)
		}
		progress := fmt.Sprintf("Loading page %d... (%d entries so far)", page+1, len(collected))
		l.publish(ctx, gen, func(current BulkState) BulkState {
			current.Progress = progress
			return current
		})

		params := domain.NewFilter().WithIncludeAdult(includeAdult).WithSort(l.sort).WithPage(page).Params()
		params.PageSize = l.pageSize

		result, err := l.fetcher.ListRecords(ctx, params)
		if l.generation.Load() != gen || ctx.Err() != nil {
			return l.abortErr(ctx)
		}
		if err != nil {
			l.publish(ctx, gen, func(BulkState) BulkState {
				return BulkState{Error: err.Error(), Items: []domain.Record{}, Generation: gen}
			})
			return err
		}

		total = result.TotalCount
		room := l.renderCap - len(collected)
		if room > 0 {
			collected = append(collected, result.Items[:min(room, len(result.Items))]...)
		}

		if len(result.Items) == 0 || len(collected) >= l.renderCap || len(collected) >= total {
			break
		}
		page++
		if page >= l.maxPages {
			break
		}
	}

	if total < 0 {
		total = len(collected)
	}
	partial := len(collected) < total || len(collected) >= l.renderCap
	if !l.publish(ctx, gen, func(BulkState) BulkState {
		return BulkState{
			Items:      collected,
			TotalCount: total,
			Partial:    partial,
			Generation: gen,
		}
	}) {
		return l.abortErr(ctx)
	}
	return nil
}

// publish applies fn only while gen is current and ctx is live.
func (l *BulkLoader) publish(ctx context.Context, gen uint64, fn func(BulkState) BulkState) bool {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()
	if l.generation.Load() != gen || ctx.Err() != nil {
		return false
	}
	l.state.Update(fn)
	return true
}

func (l *BulkLoader) abortErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrSuperseded
}
