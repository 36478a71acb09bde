// Package modeling is the boundary to the modeling layer: where training
// windows come from, how a model is trained and asked for a prediction, and
// where trained models are kept. The orchestration packages only see signs
// and magnitudes.
package modeling

import (
	"context"
	"sort"
	"time"
)

// Sample is one trading day of input.
type Sample struct {
	Date     time.Time
	Features []float64
	// NextReturn is the realized return of the following trading day; nil
	// while unsettled.
	NextReturn *float64
}

// Usable reports whether the day has input to predict from.
func (s Sample) Usable() bool { return len(s.Features) > 0 }

// Dataset is an entity's samples over [Start, End], sorted by date.
type Dataset struct {
	StockCode string
	Start     time.Time
	End       time.Time
	Samples   []Sample
}

// Between returns the samples with start <= date <= end.
func (d *Dataset) Between(start, end time.Time) []Sample {
	lo := sort.Search(len(d.Samples), func(i int) bool { return !d.Samples[i].Date.Before(start) })
	hi := sort.Search(len(d.Samples), func(i int) bool { return d.Samples[i].Date.After(end) })
	if lo >= hi {
		return nil
	}
	return d.Samples[lo:hi]
}

// At returns the sample dated date.
func (d *Dataset) At(date time.Time) (Sample, bool) {
	i := sort.Search(len(d.Samples), func(i int) bool { return !d.Samples[i].Date.Before(date) })
	if i < len(d.Samples) && d.Samples[i].Date.Equal(date) {
		return d.Samples[i], true
	}
	return Sample{}, false
}

// Covers reports whether [start, end] lies inside the dataset's range.
func (d *Dataset) Covers(start, end time.Time) bool {
	return !start.Before(d.Start) && !end.After(d.End)
}

// Slice returns a dataset restricted to [start, end] sharing the same samples.
func (d *Dataset) Slice(start, end time.Time) *Dataset {
	return &Dataset{StockCode: d.StockCode, Start: start, End: end, Samples: d.Between(start, end)}
}

// DataSource provides training windows.
type DataSource interface {
	FetchTrainingWindow(ctx context.Context, stockCode string, start, end time.Time) (*Dataset, error)
}

// Model is an opaque trained model.
type Model struct {
	StockCode string
	Alpha     float64
	From      time.Time
	To        time.Time
	Weights   []float64
}

// Prediction is a model's call for one day.
type Prediction struct {
	Direction int
	Magnitude float64
}

// Signed returns the prediction as a signed return.
func (p Prediction) Signed() float64 {
	return float64(p.Direction) * p.Magnitude
}

// Trainer fits and evaluates models. Train returns core.ErrInsufficientData
// when samples cannot support a fit.
type Trainer interface {
	Train(ctx context.Context, stockCode string, samples []Sample, alpha float64) (*Model, error)
	Predict(ctx context.Context, m *Model, features []float64) (Prediction, error)
}

// Registry stores production models and names their versions.
type Registry interface {
	SaveModel(ctx context.Context, m *Model) (version string, err error)
}
