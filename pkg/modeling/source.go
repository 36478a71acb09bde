package modeling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// FeatureReader reads stored feature rows.
type FeatureReader interface {
	ListFeatures(ctx context.Context, stockCode string, start, end time.Time) ([]core.FeatureRow, error)
}

// StoreSource serves training windows from the daily_features table.
type StoreSource struct {
	reader FeatureReader
}

// NewStoreSource wraps reader.
func NewStoreSource(reader FeatureReader) *StoreSource {
	return &StoreSource{reader: reader}
}

// FetchTrainingWindow loads [start, end] from the store.
func (s *StoreSource) FetchTrainingWindow(ctx context.Context, stockCode string, start, end time.Time) (*Dataset, error) {
	rows, err := s.reader.ListFeatures(ctx, stockCode, start, end)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{StockCode: stockCode, Start: start, End: end, Samples: make([]Sample, 0, len(rows))}
	for _, r := range rows {
		var feats []float64
		if len(r.Features) > 0 {
			if err := json.Unmarshal(r.Features, &feats); err != nil {
				return nil, fmt.Errorf("features %s %s: %w", stockCode, r.Date.Format(core.DateLayout), err)
			}
		}
		ds.Samples = append(ds.Samples, Sample{Date: r.Date, Features: feats, NextReturn: r.NextReturn})
	}
	return ds, nil
}

// CachedSource keeps the most recently fetched windows in a bounded LRU.
// It is owned by the component that creates it; nothing is shared globally.
type CachedSource struct {
	inner DataSource
	cache *lru.Cache[string, *Dataset]
}

// NewCachedSource caches up to size windows from inner.
func NewCachedSource(inner DataSource, size int) (*CachedSource, error) {
	cache, err := lru.New[string, *Dataset](size)
	if err != nil {
		return nil, err
	}
	return &CachedSource{inner: inner, cache: cache}, nil
}

func windowKey(stockCode string, start, end time.Time) string {
	return stockCode + "|" + start.Format(core.DateLayout) + "|" + end.Format(core.DateLayout)
}

// FetchTrainingWindow returns a cached window or loads it from inner.
func (c *CachedSource) FetchTrainingWindow(ctx context.Context, stockCode string, start, end time.Time) (*Dataset, error) {
	key := windowKey(stockCode, start, end)
	if ds, ok := c.cache.Get(key); ok {
		return ds, nil
	}
	ds, err := c.inner.FetchTrainingWindow(ctx, stockCode, start, end)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, ds)
	return ds, nil
}

// Invalidate drops every cached window of stockCode and reports how many
// were dropped.
func (c *CachedSource) Invalidate(stockCode string) int {
	prefix := stockCode + "|"
	n := 0
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) && c.cache.Remove(key) {
			n++
		}
	}
	return n
}

// Purge drops every cached window.
func (c *CachedSource) Purge() {
	c.cache.Purge()
}

// Len is the number of cached windows.
func (c *CachedSource) Len() int {
	return c.cache.Len()
}

// PreloadedSource holds one fetched dataset in memory and answers every
// request it covers without touching inner. The AWO engine creates one per
// outer window and calls Release before moving on.
type PreloadedSource struct {
	inner DataSource

	mu sync.RWMutex
	ds *Dataset
}

// Preload fetches [start, end] once from inner.
func Preload(ctx context.Context, inner DataSource, stockCode string, start, end time.Time) (*PreloadedSource, error) {
	ds, err := inner.FetchTrainingWindow(ctx, stockCode, start, end)
	if err != nil {
		return nil, err
	}
	return &PreloadedSource{inner: inner, ds: ds}, nil
}

// FetchTrainingWindow serves covered ranges from memory and defers the rest to inner.
func (p *PreloadedSource) FetchTrainingWindow(ctx context.Context, stockCode string, start, end time.Time) (*Dataset, error) {
	p.mu.RLock()
	ds := p.ds
	p.mu.RUnlock()
	if ds != nil && ds.StockCode == stockCode && ds.Covers(start, end) {
		return ds.Slice(start, end), nil
	}
	return p.inner.FetchTrainingWindow(ctx, stockCode, start, end)
}

// Size is the number of preloaded samples.
func (p *PreloadedSource) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ds == nil {
		return 0
	}
	return len(p.ds.Samples)
}

// Release drops the preloaded dataset.
func (p *PreloadedSource) Release() {
	p.mu.Lock()
	p.ds = nil
	p.mu.Unlock()
}
