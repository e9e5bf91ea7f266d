package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/firefly-cmu/Audio-Biodiversity/internal/audio"
)

// TimestampLayout formats the flush time in recording file names (YYYYMMDD_HHMMSS)
const TimestampLayout = "20060102_150405"

// maxCollisionSuffix bounds the search for a free file name within one second
const maxCollisionSuffix = 1000

// FileRecorder writes segments to <root>/<key>/recording_<timestamp>.<ext>
type FileRecorder struct {
	root       string
	encoder    audio.Encoder
	sampleRate int
	logger     *slog.Logger
}

// NewFileRecorder creates a recorder rooted at the given directory
func NewFileRecorder(root string, encoder audio.Encoder, sampleRate int, logger *slog.Logger) (*FileRecorder, error) {
	if root == "" {
		return nil, fmt.Errorf("recordings directory cannot be empty")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &FileRecorder{
		root:       root,
		encoder:    encoder,
		sampleRate: sampleRate,
		logger:     logger,
	}, nil
}

// Root returns the recordings directory
func (r *FileRecorder) Root() string {
	return r.root
}

// Save encodes samples into a new file for key and returns its path.
// A partially written file is removed on failure.
func (r *FileRecorder) Save(ctx context.Context, key string, samples []int16, at time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if len(samples) == 0 {
		return "", audio.ErrNoSamples
	}

	dir := filepath.Join(r.root, SanitizeKey(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory %s: %w", dir, err)
	}

	f, path, err := r.createUnique(dir, at)
	if err != nil {
		return "", err
	}

	encErr := r.encoder.Encode(f, samples, r.sampleRate)

	// The FLAC encoder closes the file itself on success
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) && encErr == nil {
		encErr = fmt.Errorf("failed to close %s: %w", path, err)
	}

	if encErr != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.logger.Warn("Failed to remove partial recording",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}
		return "", fmt.Errorf("failed to encode recording %s: %w", path, encErr)
	}

	return path, nil
}

// createUnique exclusively creates the first free file name for the timestamp,
// appending _1, _2, ... when a recording for the same second already exists
func (r *FileRecorder) createUnique(dir string, at time.Time) (*os.File, string, error) {
	base := "recording_" + at.Format(TimestampLayout)
	ext := "." + r.encoder.Extension()

	for n := 0; n < maxCollisionSuffix; n++ {
		name := base + ext
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, ext)
		}

		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("failed to create recording %s: %w", path, err)
		}
	}

	return nil, "", fmt.Errorf("no free recording name for %s in %s", base, dir)
}

// SanitizeKey turns a client-controlled session key into a single safe path
// segment. Characters outside [A-Za-z0-9._-] become underscores. A key that
// had to be rewritten gets a "+<hash>" suffix of the original key, so distinct
// keys never share a directory.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))

	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	safe := b.String()
	if safe == "" || strings.Trim(safe, ".") == "" {
		safe = strings.Repeat("_", max(len(safe), 1))
	}

	if safe == key {
		return safe
	}

	return fmt.Sprintf("%s+%08x", safe, uint32(xxhash.Sum64String(key)))
}
