package modeling

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/jdziat/backtest-orchestrator/pkg/core"
)

// MinTrainingSamples is the fewest settled samples RidgeTrainer fits on.
const MinTrainingSamples = 5

// RidgeTrainer fits next-day return as a ridge regression on the features,
// with alpha as the L2 penalty. The intercept is not penalized.
type RidgeTrainer struct{}

// Train fits on the settled, usable samples.
func (RidgeTrainer) Train(ctx context.Context, stockCode string, samples []Sample, alpha float64) (*Model, error) {
	var rows [][]float64
	var ys []float64
	width := -1
	for _, s := range samples {
		if !s.Usable() || s.NextReturn == nil {
			continue
		}
		if width == -1 {
			width = len(s.Features)
		}
		if len(s.Features) != width {
			continue
		}
		rows = append(rows, s.Features)
		ys = append(ys, *s.NextReturn)
	}
	if len(rows) < MinTrainingSamples {
		return nil, fmt.Errorf("%w: %d usable samples", core.ErrInsufficientData, len(rows))
	}

	n, k := len(rows), width+1
	x := mat.NewDense(n, k, nil)
	for i, r := range rows {
		x.Set(i, 0, 1)
		for j, v := range r {
			x.Set(i, j+1, v)
		}
	}
	y := mat.NewVecDense(n, ys)

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for j := 1; j < k; j++ {
		xtx.Set(j, j, xtx.At(j, j)+alpha)
	}
	// Keeps the system solvable when a feature column is constant.
	xtx.Set(0, 0, xtx.At(0, 0)+1e-9)

	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		return nil, fmt.Errorf("ridge solve: %w", err)
	}

	m := &Model{StockCode: stockCode, Alpha: alpha, Weights: make([]float64, k)}
	for j := 0; j < k; j++ {
		m.Weights[j] = beta.AtVec(j)
	}
	m.From = samples[0].Date
	m.To = samples[len(samples)-1].Date
	return m, nil
}

// Predict evaluates the fitted weights on features.
func (RidgeTrainer) Predict(ctx context.Context, m *Model, features []float64) (Prediction, error) {
	if m == nil {
		return Prediction{}, fmt.Errorf("predict: nil model")
	}
	if len(m.Weights) != len(features)+1 {
		return Prediction{}, fmt.Errorf("predict: model expects %d features, got %d", len(m.Weights)-1, len(features))
	}
	v := m.Weights[0]
	for i, f := range features {
		v += m.Weights[i+1] * f
	}
	return Prediction{Direction: core.Sign(v), Magnitude: math.Abs(v)}, nil
}

// MemoryRegistry keeps saved models in process memory.
type MemoryRegistry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{models: make(map[string]*Model)}
}

// SaveModel stores m under a new version name.
func (r *MemoryRegistry) SaveModel(ctx context.Context, m *Model) (string, error) {
	version := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	r.mu.Lock()
	r.models[version] = m
	r.mu.Unlock()
	return version, nil
}

// Get returns a saved model.
func (r *MemoryRegistry) Get(version string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[version]
	return m, ok
}
