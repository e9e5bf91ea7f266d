package audio

import (
	"encoding/binary"
	"errors"
)

// Audio format constants for sensor node streams
const (
	SampleRate     = 16000 // Hz
	Channels       = 1     // mono
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
)

// ErrNoSamples is returned when an encoder is given an empty segment
var ErrNoSamples = errors.New("audio: no samples")

// DecodePCM16 converts raw little-endian PCM-16 bytes into samples.
// A trailing partial sample is not decoded; the number of ignored bytes is returned.
func DecodePCM16(data []byte) (samples []int16, dropped int) {
	n := len(data) / BytesPerSample
	dropped = len(data) - n*BytesPerSample

	samples = make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}

	return samples, dropped
}

// EncodePCM16 converts samples into raw little-endian PCM-16 bytes
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
	}
	return data
}
