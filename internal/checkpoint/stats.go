package checkpoint

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// minNormalFP16 is the smallest positive normal half-precision value.
const minNormalFP16 = 6.103515625e-5

// TensorStats summarizes one stored tensor. Non-finite elements are counted
// and excluded from the moments.
type TensorStats struct {
	Name      string  `json:"name"`
	Rows      int     `json:"rows"`
	Cols      int     `json:"cols"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"std_dev"`
	NaN       int     `json:"nan"`
	Inf       int     `json:"inf"`
	FP16Lossy int     `json:"fp16_lossy"`
}

// Healthy reports whether every element is finite and at most 1% of them
// fall outside the normal half-precision range.
func (s TensorStats) Healthy() bool {
	n := s.Rows * s.Cols
	return s.NaN == 0 && s.Inf == 0 && (n == 0 || float64(s.FP16Lossy)/float64(n) <= 0.01)
}

// Stats summarizes every tensor in name order.
func (s *Snapshot) Stats() []TensorStats {
	names := make([]string, 0, len(s.Tensors))
	for name := range s.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]TensorStats, 0, len(names))
	for _, name := range names {
		t := s.Tensors[name]
		out = append(out, tensorStats(name, t.Rows, t.Cols, t.Values()))
	}
	return out
}

func tensorStats(name string, rows, cols int, data []float32) TensorStats {
	st := TensorStats{Name: name, Rows: rows, Cols: cols}
	finite := make([]float64, 0, len(data))
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			st.NaN++
			continue
		case math.IsInf(f, 0):
			st.Inf++
			continue
		}
		if a := math.Abs(f); a > maxFP16 || (a > 0 && a < minNormalFP16) {
			st.FP16Lossy++
		}
		finite = append(finite, f)
	}
	if len(finite) == 0 {
		return st
	}
	st.Min, st.Max = finite[0], finite[0]
	for _, f := range finite {
		st.Min = math.Min(st.Min, f)
		st.Max = math.Max(st.Max, f)
	}
	st.Mean, st.StdDev = stat.PopMeanStdDev(finite, nil)
	return st
}
