package spectral

import (
	"math"
	"math/bits"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// maxDirectFactor is the largest prime factor a length may have for the mixed
// radix transform. FFTPACK handles larger factors in O(n*p) time.
const maxDirectFactor = 64

// realCoefficients returns the n/2+1 non-negative frequency coefficients of the
// real sequence seq, unnormalized, in O(n log n) for every length.
func realCoefficients(seq []float64) []complex128 {
	n := len(seq)
	if largestPrimeFactor(n) <= maxDirectFactor {
		return fourier.NewFFT(n).Coefficients(nil, seq)
	}
	return bluestein(seq)
}

// largestPrimeFactor returns the largest prime dividing n, or n for n < 2
func largestPrimeFactor(n int) int {
	if n < 2 {
		return n
	}

	largest := 1
	for p := 2; p*p <= n; p++ {
		for n%p == 0 {
			largest = p
			n /= p
		}
	}
	if n > 1 {
		largest = n
	}
	return largest
}

// bluestein evaluates the DFT of seq as a chirp convolution carried out with
// power-of-two transforms.
func bluestein(seq []float64) []complex128 {
	n := len(seq)
	m := 1 << bits.Len(uint(2*n-2))

	// chirp[j] = exp(-iπ j²/n); j² is reduced mod 2n to keep the phase exact
	chirp := make([]complex128, n)
	for j := range chirp {
		k := (uint64(j) * uint64(j)) % uint64(2*n)
		chirp[j] = cmplx.Exp(complex(0, -math.Pi*float64(k)/float64(n)))
	}

	a := make([]complex128, m)
	for j, x := range seq {
		a[j] = complex(x, 0) * chirp[j]
	}

	b := make([]complex128, m)
	b[0] = cmplx.Conj(chirp[0])
	for j := 1; j < n; j++ {
		b[j] = cmplx.Conj(chirp[j])
		b[m-j] = b[j]
	}

	fft := fourier.NewCmplxFFT(m)
	fa := fft.Coefficients(nil, a)
	fb := fft.Coefficients(nil, b)

	// Inverse transform as conj(FFT(conj(z)))/m
	for i := range fa {
		fa[i] = cmplx.Conj(fa[i] * fb[i])
	}
	conv := fft.Coefficients(b, fa)

	scale := complex(1/float64(m), 0)
	coeffs := make([]complex128, n/2+1)
	for k := range coeffs {
		coeffs[k] = chirp[k] * cmplx.Conj(conv[k]) * scale
	}
	return coeffs
}
