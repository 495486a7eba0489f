package collector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coder/balatrollm/internal/collector"
)

func TestMeanStdDev(t *testing.T) {
	mean, std := collector.MeanStdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, mean, 1e-9)
	assert.InDelta(t, 2.138, std, 0.001)
}

func TestMeanStdDevSmallSamples(t *testing.T) {
	mean, std := collector.MeanStdDev(nil)
	assert.Zero(t, mean)
	assert.Zero(t, std)

	mean, std = collector.MeanStdDev([]float64{42})
	assert.Equal(t, 42.0, mean)
	assert.Zero(t, std)
}

func TestPooledStdDevMatchesCombinedSamples(t *testing.T) {
	a := []float64{100, 120, 90, 140, 110}
	b := []float64{300, 280, 350}

	combined := append(append([]float64{}, a...), b...)
	_, want := collector.MeanStdDev(combined)

	meanA, stdA := collector.MeanStdDev(a)
	meanB, stdB := collector.MeanStdDev(b)
	got := collector.PooledStdDev([]collector.Group{
		{N: len(a), Mean: meanA, StdDev: stdA},
		{N: len(b), Mean: meanB, StdDev: stdB},
	})

	// Pooling within-group variance with between-group mean spread
	// reconstructs the combined-sample standard deviation exactly.
	assert.InDelta(t, want, got, 1e-9)
}

func TestPooledStdDevIdenticalGroups(t *testing.T) {
	g := collector.Group{N: 10, Mean: 50, StdDev: 5}
	got := collector.PooledStdDev([]collector.Group{g, g})
	// Same means: no between-group term, slightly shrunk by the shared
	// N-1 denominator.
	assert.InDelta(t, 4.87, got, 0.01)
}

func TestPooledStdDevDegenerate(t *testing.T) {
	assert.Zero(t, collector.PooledStdDev(nil))
	assert.Zero(t, collector.PooledStdDev([]collector.Group{{N: 1, Mean: 5}}))
}
