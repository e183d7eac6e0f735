package structure

import (
	"math"
	"sort"
)

// RunningMoments accumulates count, sum, sum of squares and sum of cubes in
// O(1) space so that mean/variance/skewness never require per-leg arrays.
type RunningMoments struct {
	N  int64   `json:"n"`
	S1 float64 `json:"s1"`
	S2 float64 `json:"s2"`
	S3 float64 `json:"s3"`
}

// Add folds one observation into the moments.
func (m *RunningMoments) Add(x float64) {
	m.N++
	m.S1 += x
	m.S2 += x * x
	m.S3 += x * x * x
}

// Mean returns the arithmetic mean, 0 when empty.
func (m *RunningMoments) Mean() float64 {
	if m.N == 0 {
		return 0
	}
	return m.S1 / float64(m.N)
}

// Variance returns the population variance, 0 when fewer than 2 samples.
func (m *RunningMoments) Variance() float64 {
	if m.N < 2 {
		return 0
	}
	n := float64(m.N)
	mean := m.S1 / n
	v := m.S2/n - mean*mean
	if v < 0 {
		return 0
	}
	return v
}

// Skewness returns the standardized third central moment (g1).
// Flat or near-flat series report 0.
func (m *RunningMoments) Skewness() float64 {
	if m.N < 3 {
		return 0
	}
	n := float64(m.N)
	mean := m.S1 / n
	m2 := m.S2/n - mean*mean
	if m2 <= 1e-12 {
		return 0
	}
	m3 := m.S3/n - 3*mean*(m.S2/n) + 2*mean*mean*mean
	return m3 / math.Pow(m2, 1.5)
}

// P2Quantile is the Jain/Chhikara P-squared streaming quantile estimator:
// five markers track the target quantile in O(1) memory, which keeps the
// big-swing percentile lookup independent of how many legs were ever seen.
// The whole state serializes, so snapshots resume with identical estimates.
type P2Quantile struct {
	P       float64    `json:"p"`
	Heights [5]float64 `json:"heights"`
	Pos     [5]float64 `json:"pos"`
	Want    [5]float64 `json:"want"`
	Count   int64      `json:"count"`
	initBuf []float64
}

// NewP2Quantile builds an estimator for quantile p in (0,1).
func NewP2Quantile(p float64) *P2Quantile {
	return &P2Quantile{P: p}
}

// Observe folds one sample into the estimator.
func (q *P2Quantile) Observe(x float64) {
	q.Count++
	if q.Count <= 5 {
		q.initBuf = append(q.initBuf, x)
		if q.Count == 5 {
			sort.Float64s(q.initBuf)
			for i := 0; i < 5; i++ {
				q.Heights[i] = q.initBuf[i]
				q.Pos[i] = float64(i + 1)
			}
			q.Want = [5]float64{1, 1 + 2*q.P, 1 + 4*q.P, 3 + 2*q.P, 5}
			q.initBuf = nil
		}
		return
	}

	// Locate the cell and stretch the extremes if needed.
	var k int
	switch {
	case x < q.Heights[0]:
		q.Heights[0] = x
		k = 0
	case x >= q.Heights[4]:
		q.Heights[4] = x
		k = 3
	default:
		for i := 1; i < 5; i++ {
			if x < q.Heights[i] {
				k = i - 1
				break
			}
		}
	}
	for i := k + 1; i < 5; i++ {
		q.Pos[i]++
	}
	inc := [5]float64{0, q.P / 2, q.P, (1 + q.P) / 2, 1}
	for i := 0; i < 5; i++ {
		q.Want[i] += inc[i]
	}

	// Nudge interior markers toward their desired positions.
	for i := 1; i <= 3; i++ {
		d := q.Want[i] - q.Pos[i]
		if (d >= 1 && q.Pos[i+1]-q.Pos[i] > 1) || (d <= -1 && q.Pos[i-1]-q.Pos[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			h := q.parabolic(i, sign)
			if q.Heights[i-1] < h && h < q.Heights[i+1] {
				q.Heights[i] = h
			} else {
				q.Heights[i] = q.linear(i, sign)
			}
			q.Pos[i] += sign
		}
	}
}

func (q *P2Quantile) parabolic(i int, d float64) float64 {
	num1 := q.Pos[i] - q.Pos[i-1] + d
	num2 := q.Pos[i+1] - q.Pos[i] - d
	den := q.Pos[i+1] - q.Pos[i-1]
	a := (q.Heights[i+1] - q.Heights[i]) / (q.Pos[i+1] - q.Pos[i])
	b := (q.Heights[i] - q.Heights[i-1]) / (q.Pos[i] - q.Pos[i-1])
	return q.Heights[i] + d/den*(num1*a+num2*b)
}

func (q *P2Quantile) linear(i int, d float64) float64 {
	j := i + int(d)
	return q.Heights[i] + d*(q.Heights[j]-q.Heights[i])/(q.Pos[j]-q.Pos[i])
}

// Value returns the current quantile estimate. Before five samples it falls
// back to interpolation over what has been seen; with no samples it is 0.
func (q *P2Quantile) Value() float64 {
	if q.Count == 0 {
		return 0
	}
	if q.Count < 5 {
		buf := append([]float64(nil), q.initBuf...)
		sort.Float64s(buf)
		idx := int(math.Ceil(q.P*float64(len(buf)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(buf) {
			idx = len(buf) - 1
		}
		return buf[idx]
	}
	return q.Heights[2]
}

// pending returns the warm-up buffer for serialization.
func (q *P2Quantile) pending() []float64 {
	return append([]float64(nil), q.initBuf...)
}

// restorePending reloads the warm-up buffer from a snapshot.
func (q *P2Quantile) restorePending(buf []float64) {
	q.initBuf = append([]float64(nil), buf...)
}
