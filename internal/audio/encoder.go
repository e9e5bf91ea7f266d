package audio

import (
	"fmt"
	"io"
)

// Encoder writes a mono PCM-16 segment to w in a specific container format
type Encoder interface {
	Encode(w io.Writer, samples []int16, sampleRate int) error
	// Extension returns the file extension without the leading dot
	Extension() string
}

// NewEncoder returns the encoder for the named format ("flac" or "wav")
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "flac", "":
		return FLACEncoder{}, nil
	case "wav":
		return WAVEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported recording format %q", format)
	}
}
