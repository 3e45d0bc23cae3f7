// Package evaluation scores predictions against ground truth.
package evaluation

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrLengthMismatch is returned when predictions and labels differ in length.
var ErrLengthMismatch = errors.New("predictions and labels differ in length")

// Metrics summarizes one prediction column.
type Metrics struct {
	N       int     `json:"n" cbor:"n"`
	RMSE    float64 `json:"rmse" cbor:"rmse"`
	Pearson float64 `json:"pearson" cbor:"pearson"`
}

// RMSE is the root mean squared error.
func RMSE(pred, labels []float64) (float64, error) {
	if len(pred) != len(labels) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(pred), len(labels))
	}
	if len(pred) == 0 {
		return 0, errors.New("rmse of empty input")
	}
	return floats.Distance(pred, labels, 2) / math.Sqrt(float64(len(pred))), nil
}

// Pearson is the Pearson correlation coefficient. It is NaN when either
// input has zero variance.
func Pearson(pred, labels []float64) (float64, error) {
	if len(pred) != len(labels) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(pred), len(labels))
	}
	if len(pred) < 2 {
		return 0, errors.New("pearson needs at least two points")
	}
	return stat.Correlation(pred, labels, nil), nil
}

// Evaluate computes RMSE and Pearson for one column.
func Evaluate(pred, labels []float64) (Metrics, error) {
	rmse, err := RMSE(pred, labels)
	if err != nil {
		return Metrics{}, err
	}
	r, err := Pearson(pred, labels)
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{N: len(pred), RMSE: rmse, Pearson: r}, nil
}

// EvaluateColumns computes Metrics for every column of pred against labels,
// skipping label entries at or below missing.
func EvaluateColumns(pred, labels *mat.Dense, missing float64) ([]Metrics, error) {
	pr, pc := pred.Dims()
	lr, lc := labels.Dims()
	if pr != lr || pc != lc {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrLengthMismatch, pr, pc, lr, lc)
	}
	out := make([]Metrics, pc)
	for j := 0; j < pc; j++ {
		var p, l []float64
		for i := 0; i < pr; i++ {
			if v := labels.At(i, j); v > missing {
				p = append(p, pred.At(i, j))
				l = append(l, v)
			}
		}
		m, err := Evaluate(p, l)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", j, err)
		}
		out[j] = m
	}
	return out, nil
}
