package collector

import "math"

// Group summarizes one sample group for pooled aggregation.
type Group struct {
	N      int
	Mean   float64
	StdDev float64
}

// MeanStdDev returns the mean and sample standard deviation. Fewer
// than two samples yield a standard deviation of zero.
func MeanStdDev(samples []float64) (mean, std float64) {
	n := len(samples)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean = sum / float64(n)
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, s := range samples {
		d := s - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(n-1))
}

// PooledStdDev merges per-group sample standard deviations into the
// standard deviation of the combined population. The pooled variance
// sums each group's within-group sum of squares with the between-group
// spread of its mean around the overall mean, normalized by N-1. This
// stays correct when group sizes differ, unlike averaging the group
// standard deviations.
func PooledStdDev(groups []Group) float64 {
	var total int
	var weighted float64
	for _, g := range groups {
		total += g.N
		weighted += float64(g.N) * g.Mean
	}
	if total < 2 {
		return 0
	}
	overall := weighted / float64(total)

	var ss float64
	for _, g := range groups {
		n := float64(g.N)
		ss += (n-1)*g.StdDev*g.StdDev + n*(g.Mean-overall)*(g.Mean-overall)
	}
	return math.Sqrt(ss / float64(total-1))
}
