// Package compress wraps DataDog/zstd for the retained-message store: a
// retained payload can sit in memory indefinitely, so it is worth paying
// a compression pass once at Set time rather than carrying the sender's
// raw bytes for the life of the subscription.
package compress

import "github.com/DataDog/zstd"

// MinSize is the smallest payload worth compressing. Below it, zstd's
// frame overhead outweighs any savings.
const MinSize = 128

// Compress prefixes a single marker byte so Decompress can tell compressed
// payloads apart from ones stored raw: 0 followed by the payload as is if
// it is too small to benefit, otherwise 1 followed by a zstd frame.
func Compress(payload []byte) ([]byte, error) {
	if len(payload) < MinSize {
		return append([]byte{0}, payload...), nil
	}
	out, err := zstd.CompressLevel(nil, payload, zstd.DefaultCompression)
	if err != nil {
		return nil, err
	}
	return append([]byte{1}, out...), nil
}

// Decompress reverses Compress.
func Decompress(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return stored, nil
	}
	marker, body := stored[0], stored[1:]
	if marker == 0 {
		return body, nil
	}
	return zstd.Decompress(nil, body)
}
