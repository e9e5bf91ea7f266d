package spectral

import (
	"fmt"
	"sync"
	"time"
)

// DefaultThreshold is the flatness below which a segment counts as tonal
const DefaultThreshold = 0.56

// Classifier gates audio segments on spectral flatness
type Classifier struct {
	threshold  float64
	sampleRate int

	// Statistics
	totalSegments uint64
	tonalSegments uint64
	lastFlatness  float64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Verdict is the outcome of classifying one segment
type Verdict struct {
	Tonal    bool          `json:"tonal"`
	Flatness float64       `json:"flatness"`
	Samples  int           `json:"samples"`
	Duration time.Duration `json:"duration"`
}

// ClassifierStats represents classifier statistics for monitoring
type ClassifierStats struct {
	Threshold       float64   `json:"threshold"`
	TotalSegments   uint64    `json:"total_segments"`
	TonalSegments   uint64    `json:"tonal_segments"`
	TonalPercentage float64   `json:"tonal_percentage"`
	LastFlatness    float64   `json:"last_flatness"`
	LastProcessed   time.Time `json:"last_processed"`
}

// NewClassifier creates a classifier with the given flatness threshold
func NewClassifier(threshold float64, sampleRate int) (*Classifier, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0, 1], got %f", threshold)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Classifier{
		threshold:  threshold,
		sampleRate: sampleRate,
	}, nil
}

// IsTonal reports whether the segment looks like a tonal (bird-like) sound.
// Empty segments are never tonal.
func (c *Classifier) IsTonal(samples []int16) bool {
	return c.Classify(samples).Tonal
}

// Classify computes the flatness of the segment and records the decision
func (c *Classifier) Classify(samples []int16) Verdict {
	verdict := Verdict{
		Samples:  len(samples),
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(c.sampleRate),
		Flatness: 1,
	}

	flatness, err := Flatness(samples)
	if err == nil {
		verdict.Flatness = flatness
		verdict.Tonal = flatness < c.threshold
	}

	c.mu.Lock()
	c.totalSegments++
	if verdict.Tonal {
		c.tonalSegments++
	}
	c.lastFlatness = verdict.Flatness
	c.lastProcessed = time.Now()
	c.mu.Unlock()

	return verdict
}

// Threshold returns the configured flatness threshold
func (c *Classifier) Threshold() float64 {
	return c.threshold
}

// Stats returns current classifier statistics
func (c *Classifier) Stats() ClassifierStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var tonalPct float64
	if c.totalSegments > 0 {
		tonalPct = float64(c.tonalSegments) / float64(c.totalSegments) * 100
	}

	return ClassifierStats{
		Threshold:       c.threshold,
		TotalSegments:   c.totalSegments,
		TonalSegments:   c.tonalSegments,
		TonalPercentage: tonalPct,
		LastFlatness:    c.lastFlatness,
		LastProcessed:   c.lastProcessed,
	}
}
