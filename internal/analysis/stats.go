package analysis

import (
	"math"
	"sort"
)

// Strength bands for reported correlations.
const (
	StrongPositive   = "strong positive"
	ModeratePositive = "moderate positive"
	StrongNegative   = "strong negative"
	ModerateNegative = "moderate negative"
)

// Correlation is a Pearson coefficient between two numeric columns. A precedes
// B in header order and every unordered pair appears at most once.
type Correlation struct {
	A        string  `json:"column_a"`
	B        string  `json:"column_b"`
	R        float64 `json:"r"`
	N        int     `json:"n"`
	Strength string  `json:"strength"`
}

// OutlierCount reports how many values of a column were flagged.
type OutlierCount struct {
	Column  string  `json:"column"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// Strength classifies r into one of the four bands.
func Strength(r float64) string {
	switch {
	case r > 0.8:
		return StrongPositive
	case r >= 0:
		return ModeratePositive
	case r < -0.8:
		return StrongNegative
	default:
		return ModerateNegative
	}
}

func correlations(cols []*colAcc, threshold float64) []Correlation {
	var out []Correlation
	for a := 0; a < len(cols); a++ {
		for b := a + 1; b < len(cols); b++ {
			r, n, ok := pearson(cols[a], cols[b])
			if !ok || math.Abs(r) <= threshold {
				continue
			}
			out = append(out, Correlation{A: cols[a].name, B: cols[b].name, R: r, N: n, Strength: Strength(r)})
		}
	}
	return out
}

// pearson uses pairwise-complete observations. ok is false when either side
// has zero variance or fewer than two shared rows.
func pearson(x, y *colAcc) (float64, int, bool) {
	var xs, ys []float64
	for i := range x.present {
		if i < len(y.present) && x.present[i] && y.present[i] {
			xs = append(xs, x.nums[i])
			ys = append(ys, y.nums[i])
		}
	}
	n := len(xs)
	if n < 2 {
		return 0, n, false
	}
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= float64(n)
	my /= float64(n)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	denom := math.Sqrt(sxx * syy)
	if denom == 0 || math.IsNaN(denom) {
		return 0, n, false
	}
	r := sxy / denom
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r, n, true
}

// outliers reports counts per column; Percent is relative to the column's non-missing values.
func outliers(cols []*colAcc, method OutlierMethod, threshold float64) []OutlierCount {
	var out []OutlierCount
	for _, c := range cols {
		vals := c.values()
		var cnt int
		if method == OutlierIQR {
			cnt = countIQR(vals, threshold)
		} else {
			cnt = countZScore(vals, threshold)
		}
		if cnt == 0 {
			continue
		}
		out = append(out, OutlierCount{Column: c.name, Count: cnt, Percent: float64(cnt) * 100.0 / float64(len(vals))})
	}
	return out
}

// countZScore flags |x-mean|/std > threshold using the population std.
func countZScore(vals []float64, threshold float64) int {
	if len(vals) == 0 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var ss float64
	for _, v := range vals {
		ss += (v - mean) * (v - mean)
	}
	std := math.Sqrt(ss / float64(len(vals)))
	if std == 0 {
		return 0
	}
	var cnt int
	for _, v := range vals {
		if math.Abs(v-mean)/std > threshold {
			cnt++
		}
	}
	return cnt
}

// countIQR flags values outside [Q1-k*IQR, Q3+k*IQR].
func countIQR(vals []float64, k float64) int {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	q1, q3 := quantile(sorted, 0.25), quantile(sorted, 0.75)
	iqr := q3 - q1
	lo, hi := q1-k*iqr, q3+k*iqr
	var cnt int
	for _, v := range vals {
		if v < lo || v > hi {
			cnt++
		}
	}
	return cnt
}
