package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Envelope layout: [flags:1][xxhash64(body):8][body]
const (
	envelopeHeaderSize = 9

	flagCompressed byte = 1 << 0
)

// DefaultCompressThreshold is the body size above which Seal compresses
const DefaultCompressThreshold = 4 << 10 // 4KB

// ErrChecksumMismatch is returned by Open when the stored checksum does not
// match the body, i.e. the stored record is corrupted.
var ErrChecksumMismatch = errors.New("envelope checksum mismatch")

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		// nil writer: only EncodeAll is used, which is concurrency safe
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return decoder
}

// Seal wraps a body into a checksummed envelope, compressing it with zstd when
// it is larger than threshold. threshold <= 0 disables compression.
func Seal(body []byte, threshold int) []byte {
	var flags byte
	if threshold > 0 && len(body) > threshold {
		compressed := zstdEncoder().EncodeAll(body, make([]byte, 0, len(body)/2))
		if len(compressed) < len(body) {
			body = compressed
			flags |= flagCompressed
		}
	}

	out := make([]byte, envelopeHeaderSize+len(body))
	out[0] = flags
	binary.LittleEndian.PutUint64(out[1:envelopeHeaderSize], xxhash.Sum64(body))
	copy(out[envelopeHeaderSize:], body)
	return out
}

// Open validates an envelope and returns its (decompressed) body.
func Open(envelope []byte) ([]byte, error) {
	if len(envelope) < envelopeHeaderSize {
		return nil, fmt.Errorf("envelope too short (%d bytes): %w", len(envelope), ErrChecksumMismatch)
	}

	flags := envelope[0]
	sum := binary.LittleEndian.Uint64(envelope[1:envelopeHeaderSize])
	body := envelope[envelopeHeaderSize:]

	if xxhash.Sum64(body) != sum {
		return nil, ErrChecksumMismatch
	}

	if flags&flagCompressed == 0 {
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}

	out, err := zstdDecoder().DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress envelope: %w", err)
	}
	return out, nil
}

// Compress returns the zstd frame of body, used for compressed HTTP bodies
func Compress(body []byte) []byte {
	return zstdEncoder().EncodeAll(body, make([]byte, 0, len(body)/2))
}

// Decompress reverses Compress
func Decompress(frame []byte) ([]byte, error) {
	return zstdDecoder().DecodeAll(frame, nil)
}
