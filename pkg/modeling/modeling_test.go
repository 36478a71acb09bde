package modeling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func ret(v float64) *float64 { return &v }

// countingSource serves a linear series and counts fetches.
type countingSource struct {
	calls int
}

func (c *countingSource) FetchTrainingWindow(ctx context.Context, stockCode string, start, end time.Time) (*Dataset, error) {
	c.calls++
	ds := &Dataset{StockCode: stockCode, Start: start, End: end}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		x := float64(d.YearDay()%7) - 3
		ds.Samples = append(ds.Samples, Sample{Date: d, Features: []float64{x}, NextReturn: ret(0.01 * x)})
	}
	return ds, nil
}

func TestDataset_BetweenAndAt(t *testing.T) {
	ds := &Dataset{Start: day(0), End: day(9)}
	for i := 0; i < 10; i += 2 {
		ds.Samples = append(ds.Samples, Sample{Date: day(i), Features: []float64{1}})
	}

	got := ds.Between(day(1), day(6))
	require.Len(t, got, 3)
	assert.Equal(t, day(2), got[0].Date)
	assert.Equal(t, day(6), got[2].Date)

	_, ok := ds.At(day(3))
	assert.False(t, ok)
	s, ok := ds.At(day(4))
	assert.True(t, ok)
	assert.Equal(t, day(4), s.Date)

	assert.Nil(t, ds.Between(day(20), day(30)))
	assert.True(t, ds.Covers(day(1), day(9)))
	assert.False(t, ds.Covers(day(1), day(10)))
}

func TestCachedSource_ReusesWindows(t *testing.T) {
	ctx := context.Background()
	inner := &countingSource{}
	c, err := NewCachedSource(inner, 2)
	require.NoError(t, err)

	_, err = c.FetchTrainingWindow(ctx, "A", day(0), day(5))
	require.NoError(t, err)
	_, err = c.FetchTrainingWindow(ctx, "A", day(0), day(5))
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	_, _ = c.FetchTrainingWindow(ctx, "A", day(1), day(5))
	_, _ = c.FetchTrainingWindow(ctx, "A", day(2), day(5))
	assert.Equal(t, 2, c.Len(), "bounded by size")

	_, _ = c.FetchTrainingWindow(ctx, "A", day(0), day(5))
	assert.Equal(t, 4, inner.calls, "evicted window is fetched again")

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

// tableSource serves whatever rows have been collected so far.
type tableSource struct {
	rows map[string][]Sample
}

func (t *tableSource) FetchTrainingWindow(ctx context.Context, stockCode string, start, end time.Time) (*Dataset, error) {
	ds := &Dataset{StockCode: stockCode, Start: start, End: end}
	for _, s := range t.rows[stockCode] {
		if !s.Date.Before(start) && !s.Date.After(end) {
			ds.Samples = append(ds.Samples, s)
		}
	}
	return ds, nil
}

func TestCachedSource_InvalidateServesNewlyCollectedRows(t *testing.T) {
	ctx := context.Background()
	inner := &tableSource{rows: map[string][]Sample{}}
	c, err := NewCachedSource(inner, 16)
	require.NoError(t, err)

	ds, err := c.FetchTrainingWindow(ctx, "A", day(0), day(10))
	require.NoError(t, err)
	assert.Empty(t, ds.Samples)
	_, err = c.FetchTrainingWindow(ctx, "B", day(0), day(10))
	require.NoError(t, err)

	for i := 0; i <= 10; i++ {
		inner.rows["A"] = append(inner.rows["A"], Sample{Date: day(i), Features: []float64{1}, NextReturn: ret(0.01)})
	}
	assert.Equal(t, 1, c.Invalidate("A"))
	assert.Equal(t, 1, c.Len(), "other entities stay cached")

	ds, err = c.FetchTrainingWindow(ctx, "A", day(0), day(10))
	require.NoError(t, err)
	assert.Len(t, ds.Samples, 11)
	assert.Zero(t, c.Invalidate("C"))
}

func TestPreloadedSource_ServesCoveredRanges(t *testing.T) {
	ctx := context.Background()
	inner := &countingSource{}
	p, err := Preload(ctx, inner, "A", day(0), day(30))
	require.NoError(t, err)
	assert.Equal(t, 31, p.Size())

	ds, err := p.FetchTrainingWindow(ctx, "A", day(5), day(10))
	require.NoError(t, err)
	assert.Len(t, ds.Samples, 6)
	assert.Equal(t, 1, inner.calls)

	_, err = p.FetchTrainingWindow(ctx, "A", day(25), day(40))
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "uncovered range falls through")

	p.Release()
	assert.Equal(t, 0, p.Size())
}

func TestRidgeTrainer_FitsDirection(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{}
	ds, err := src.FetchTrainingWindow(ctx, "A", day(0), day(40))
	require.NoError(t, err)

	var tr RidgeTrainer
	m, err := tr.Train(ctx, "A", ds.Samples, 0.01)
	require.NoError(t, err)
	require.Len(t, m.Weights, 2)

	up, err := tr.Predict(ctx, m, []float64{2})
	require.NoError(t, err)
	assert.Equal(t, 1, up.Direction)
	assert.InDelta(t, 0.02, up.Magnitude, 0.005)

	down, err := tr.Predict(ctx, m, []float64{-2})
	require.NoError(t, err)
	assert.Equal(t, -1, down.Direction)

	_, err = tr.Predict(ctx, m, []float64{1, 2})
	assert.Error(t, err)
}

func TestRidgeTrainer_InsufficientData(t *testing.T) {
	var tr RidgeTrainer
	samples := []Sample{
		{Date: day(0), Features: []float64{1}, NextReturn: ret(0.01)},
		{Date: day(1), Features: []float64{1}},
		{Date: day(2)},
	}
	_, err := tr.Train(context.Background(), "A", samples, 1)
	assert.ErrorIs(t, err, core.ErrInsufficientData)
}

func TestMemoryRegistry(t *testing.T) {
	r := NewMemoryRegistry()
	m := &Model{StockCode: "A"}
	v, err := r.SaveModel(context.Background(), m)
	require.NoError(t, err)
	assert.NotEmpty(t, v)

	got, ok := r.Get(v)
	assert.True(t, ok)
	assert.Same(t, m, got)
}
