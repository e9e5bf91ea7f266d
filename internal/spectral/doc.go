// Package spectral implements the tonal/noise gate applied to buffered audio segments.
// It computes the spectral flatness of a whole segment with a single real FFT and
// compares it against a configurable threshold.
package spectral
