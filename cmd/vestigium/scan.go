package main

import (
	"context"
	"fmt"
	"io"

	"github.com/iago/vestigium-sync/internal/domain"
	"github.com/iago/vestigium-sync/internal/store"
)

type scanGroup struct {
	Key     string          `json:"key"`
	Label   string          `json:"label"`
	Count   int             `json:"count"`
	Entries []domain.Record `json:"entries"`
}

type scanResult struct {
	Loaded     int         `json:"loaded"`
	TotalCount int         `json:"totalCount"`
	Partial    bool        `json:"partial"`
	Groups     []scanGroup `json:"groups"`
}

func groupingFor(by string) (func(domain.Record) string, func(string) string, error) {
	switch by {
	case "site":
		return store.SiteKey, store.SiteLabel, nil
	case "community":
		return store.CommunityKey, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown grouping %q", by)
}

func scan(
	ctx context.Context,
	d *deps,
	includeAdult bool,
	key func(domain.Record) string,
	label func(string) string,
	top int,
	order store.BucketSort,
) (scanResult, error) {
	loader := store.NewBulkLoader(store.BulkConfig{
		Fetcher:   d.client,
		PageSize:  d.cfg.BulkPageSize,
		RenderCap: d.cfg.BulkRenderCap,
		MaxPages:  d.cfg.BulkMaxPages,
		Logger:    d.logger,
	})
	unsubscribe := loader.Subscribe(func(state store.BulkState) {
		if state.Loading && state.Progress != "" {
			d.logger.Printf("scan %s", state.Progress)
		}
	})
	defer unsubscribe()

	if err := loader.Load(ctx, includeAdult); err != nil {
		return scanResult{}, fmt.Errorf("scan entries: %w", err)
	}
	state := loader.State()

	sorts := store.NewBucketSorts()
	buckets := store.Group(state.Items, key, label, top)
	for _, bucket := range buckets {
		selectOrder(sorts, bucket.Key, order)
	}
	buckets = sorts.Apply(buckets, store.CommunityKey)

	result := scanResult{
		Loaded:     len(state.Items),
		TotalCount: state.TotalCount,
		Partial:    state.Partial,
		Groups:     make([]scanGroup, 0, len(buckets)),
	}
	for _, bucket := range buckets {
		result.Groups = append(result.Groups, scanGroup{
			Key:     bucket.Key,
			Label:   bucket.Label,
			Count:   bucket.Count(),
			Entries: bucket.Items,
		})
	}
	return result, nil
}

// selectOrder toggles the bucket until it holds order.
func selectOrder(sorts *store.BucketSorts, key string, order store.BucketSort) {
	for range 2 {
		if sorts.Get(key) == order {
			return
		}
		sorts.Toggle(key, order.Field)
	}
}

func printScan(w io.Writer, result scanResult) {
	for _, group := range result.Groups {
		fmt.Fprintf(w, "%s (%d)\n", group.Label, group.Count)
		for _, record := range group.Entries {
			fmt.Fprintf(w, "  %s  %s\n", record.ID, recordTitle(record))
		}
	}
	if result.Partial {
		fmt.Fprintf(w, "showing %d of %d entries\n", result.Loaded, result.TotalCount)
		return
	}
	fmt.Fprintf(w, "%d entries\n", result.Loaded)
}
