// Package audio handles PCM-16 decoding of buffered segments and encoding of
// accepted segments to FLAC or WAV recordings.
package audio
