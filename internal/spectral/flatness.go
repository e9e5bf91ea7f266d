package spectral

import (
	"errors"
	"math"
	"math/cmplx"
)

// Epsilon is added to every spectral magnitude so that log(0) never occurs
const Epsilon = 1e-10

// ErrEmptySignal is returned when flatness is requested for a segment without samples
var ErrEmptySignal = errors.New("spectral: empty signal")

// Flatness returns the spectral flatness measure of the given PCM-16 samples: the
// geometric mean of the magnitude spectrum divided by its arithmetic mean.
// Values near 0 indicate a tonal signal, values near 1 a noise-like one.
func Flatness(samples []int16) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrEmptySignal
	}

	seq := make([]float64, len(samples))
	for i, s := range samples {
		seq[i] = float64(s)
	}

	return flatnessOf(seq), nil
}

// flatnessOf computes flatness over a single transform of the whole sequence
func flatnessOf(seq []float64) float64 {
	coeffs := realCoefficients(seq)

	var logSum, sum float64
	for _, c := range coeffs {
		mag := cmplx.Abs(c) + Epsilon
		logSum += math.Log(mag)
		sum += mag
	}

	n := float64(len(coeffs))
	geoMean := math.Exp(logSum / n)
	arithMean := sum / n

	return geoMean / arithMean
}
