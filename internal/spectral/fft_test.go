package spectral

import (
	"math/cmplx"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/dsp/fourier"
)

func TestLargestPrimeFactor(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{16000, 5},
		{16001, 16001},
		{64007, 64007},
		{160001, 160001},
		{4096 * 3 * 7, 7},
		{2 * 67, 67},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, largestPrimeFactor(tt.n), "n=%d", tt.n)
	}
}

func TestBluesteinMatchesMixedRadix(t *testing.T) {
	for _, n := range []int{67, 134, 997, 1000, 1001, 4099} {
		seq := make([]float64, n)
		for i, s := range whiteNoise(int64(n), 20000, n) {
			seq[i] = float64(s)
		}

		want := fourier.NewFFT(n).Coefficients(nil, seq)
		got := bluestein(seq)
		require.Len(t, got, len(want), "n=%d", n)

		var peak float64
		for _, c := range want {
			peak = max(peak, cmplx.Abs(c))
		}
		for k := range want {
			assert.InDelta(t, 0, cmplx.Abs(got[k]-want[k])/peak, 1e-9, "n=%d k=%d", n, k)
		}
	}
}

func TestPrimeLengthSegmentsClassifyQuickly(t *testing.T) {
	c := newTestClassifier(t)

	for _, n := range []int{16001, 64007, 160001} {
		tone := sineTone(2000, 16383, n)
		noise := whiteNoise(7, 20000, n)

		start := time.Now()
		assert.True(t, c.IsTonal(tone), "n=%d", n)
		assert.False(t, c.IsTonal(noise), "n=%d", n)
		assert.Less(t, time.Since(start), 5*time.Second, "n=%d", n)
	}
}
