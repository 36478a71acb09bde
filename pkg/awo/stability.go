package awo

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// Stability scoring weights.
const (
	HitRateWeight = 0.6
	MAEWeight     = 0.4
	MAEScale      = 0.1
	Lambda        = 1.0
)

// scoreTolerance treats scores this close as equal for tie-breaking.
const scoreTolerance = 1e-9

type cellKey struct {
	window int
	alpha  float64
}

func keyOf(cp core.AWOCheckpoint) cellKey {
	return cellKey{window: cp.WindowMonths, alpha: cp.Alpha}
}

// Score sets StabilityScore on every cell. A cell's neighborhood is itself
// plus the cells at the adjacent alpha in the same window and at the adjacent
// window with the same alpha. The score is
//
//	0.6*mean(hr) + 0.4*(1 - min(mean(mae)/0.1, 1)) - λ*std(hr)
//
// over the neighborhood, with the population standard deviation.
func Score(cells []core.AWOCheckpoint, lambda float64) []core.AWOCheckpoint {
	windows, alphas := axes(cells)
	byKey := make(map[cellKey]core.AWOCheckpoint, len(cells))
	for _, c := range cells {
		byKey[keyOf(c)] = c
	}

	out := make([]core.AWOCheckpoint, len(cells))
	for i, c := range cells {
		wi := sort.SearchInts(windows, c.WindowMonths)
		ai := sort.SearchFloat64s(alphas, c.Alpha)

		hrs := []float64{c.HitRate}
		maes := []float64{c.MAE}
		for _, nb := range []struct{ w, a int }{{wi, ai - 1}, {wi, ai + 1}, {wi - 1, ai}, {wi + 1, ai}} {
			if nb.w < 0 || nb.w >= len(windows) || nb.a < 0 || nb.a >= len(alphas) {
				continue
			}
			n, ok := byKey[cellKey{window: windows[nb.w], alpha: alphas[nb.a]}]
			if !ok {
				continue
			}
			hrs = append(hrs, n.HitRate)
			maes = append(maes, n.MAE)
		}

		meanHR, stdHR := stat.PopMeanStdDev(hrs, nil)
		meanMAE := stat.Mean(maes, nil)
		composite := HitRateWeight*meanHR + MAEWeight*(1-math.Min(meanMAE/MAEScale, 1))
		score := composite - lambda*stdHR

		c.StabilityScore = &score
		out[i] = c
	}
	return out
}

// Best returns the cell with the highest stability score. Ties go to the
// smaller window, then the smaller alpha. Cells without a score are ignored.
func Best(cells []core.AWOCheckpoint) (core.AWOCheckpoint, bool) {
	var best core.AWOCheckpoint
	found := false
	for _, c := range cells {
		if c.StabilityScore == nil {
			continue
		}
		if !found || better(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func better(a, b core.AWOCheckpoint) bool {
	sa, sb := *a.StabilityScore, *b.StabilityScore
	if math.Abs(sa-sb) > scoreTolerance {
		return sa > sb
	}
	if a.WindowMonths != b.WindowMonths {
		return a.WindowMonths < b.WindowMonths
	}
	return a.Alpha < b.Alpha
}

// axes returns the sorted distinct windows and alphas present in cells.
func axes(cells []core.AWOCheckpoint) ([]int, []float64) {
	ws := map[int]bool{}
	as := map[float64]bool{}
	for _, c := range cells {
		ws[c.WindowMonths] = true
		as[c.Alpha] = true
	}
	windows := make([]int, 0, len(ws))
	for w := range ws {
		windows = append(windows, w)
	}
	alphas := make([]float64, 0, len(as))
	for a := range as {
		alphas = append(alphas, a)
	}
	sort.Ints(windows)
	sort.Float64s(alphas)
	return windows, alphas
}
