package audio

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTone generates a sine wave at the service sample rate
func testTone(frequency float64, numSamples int) []int16 {
	samples := make([]int16, numSamples)
	for i := range samples {
		t := float64(i) / SampleRate
		samples[i] = int16(16383 * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}

func TestEncodeWAV(t *testing.T) {
	samples := testTone(440, SampleRate/10)

	wavData, err := EncodeWAV(samples, SampleRate)
	require.NoError(t, err)

	// 44-byte header plus two bytes per sample
	assert.Len(t, wavData, 44+len(samples)*2)
	assert.Equal(t, "RIFF", string(wavData[0:4]))
	assert.Equal(t, "WAVE", string(wavData[8:12]))
	assert.Equal(t, "data", string(wavData[36:40]))
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	original := []int16{100, -200, 300, -400, 500, math.MaxInt16, math.MinInt16}

	wavData, err := EncodeWAV(original, SampleRate)
	require.NoError(t, err)

	decoded, rate, err := DecodeWAV(wavData)
	require.NoError(t, err)
	assert.Equal(t, SampleRate, rate)
	assert.Equal(t, original, decoded)
}

func TestEncodeWAVErrors(t *testing.T) {
	_, err := EncodeWAV(nil, SampleRate)
	assert.ErrorIs(t, err, ErrNoSamples)

	_, err = EncodeWAV([]int16{1, 2}, 0)
	assert.Error(t, err)

	_, _, err = DecodeWAV([]byte("too short"))
	assert.Error(t, err)
}

func TestWAVEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc := WAVEncoder{}

	require.NoError(t, enc.Encode(&buf, []int16{1, 2, 3}, SampleRate))
	assert.Equal(t, "wav", enc.Extension())

	decoded, _, err := DecodeWAV(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3}, decoded)
}
