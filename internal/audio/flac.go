package audio

import (
	"errors"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

const (
	// flacBlockSize is the number of samples per FLAC frame
	flacBlockSize = 4096
	// FLACMinBlockSize is the smallest frame the StreamInfo block may declare
	FLACMinBlockSize = 16
)

// ErrSegmentTooShort is returned when a segment is shorter than one FLAC frame allows
var ErrSegmentTooShort = errors.New("audio: segment too short for FLAC")

// FLACEncoder encodes segments as lossless FLAC streams
type FLACEncoder struct{}

// Extension implements Encoder
func (FLACEncoder) Extension() string { return "flac" }

// Encode implements Encoder. When w is an io.WriteSeeker the StreamInfo block is
// rewritten on close with the sample count and MD5 checksum.
func (FLACEncoder) Encode(w io.Writer, samples []int16, sampleRate int) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}

	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if len(samples) < FLACMinBlockSize {
		return fmt.Errorf("%w: %d samples, need at least %d", ErrSegmentTooShort, len(samples), FLACMinBlockSize)
	}

	info := &meta.StreamInfo{
		BlockSizeMin:  FLACMinBlockSize,
		BlockSizeMax:  65535,
		SampleRate:    uint32(sampleRate),
		NChannels:     Channels,
		BitsPerSample: BitsPerSample,
	}

	enc, err := flac.NewEncoder(w, info)
	if err != nil {
		return fmt.Errorf("failed to create FLAC encoder: %w", err)
	}

	for start, end := 0, 0; start < len(samples); start = end {
		end = frameEnd(start, len(samples))

		block := make([]int32, end-start)
		for i, s := range samples[start:end] {
			block[i] = int32(s)
		}

		f := &frame.Frame{
			Header: frame.Header{
				HasFixedBlockSize: false,
				BlockSize:         uint16(len(block)),
				SampleRate:        uint32(sampleRate),
				Channels:          frame.ChannelsMono,
				BitsPerSample:     BitsPerSample,
			},
			Subframes: []*frame.Subframe{
				{
					SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
					Samples:   block,
					NSamples:  len(block),
				},
			},
		}

		if err := enc.WriteFrame(f); err != nil {
			enc.Close()
			return fmt.Errorf("failed to write FLAC frame at sample %d: %w", start, err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize FLAC stream: %w", err)
	}

	return nil
}

// frameEnd returns the end of the frame starting at start. A tail shorter than
// FLACMinBlockSize is folded into the frame before it.
func frameEnd(start, n int) int {
	end := start + flacBlockSize
	if n-end < FLACMinBlockSize {
		return n
	}
	return end
}
