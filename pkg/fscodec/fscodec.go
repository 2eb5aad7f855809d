// Package fscodec defines the payload encoding used by fscache to turn a
// value into bytes on disk and back. The wire format is a JSON-compatible
// textual representation whose decoder reports failure rather than
// panicking or returning partial data, so callers can distinguish a miss
// from a legitimately empty value.
//
// Encoded bytes may optionally be wrapped in a compression tier. Every
// codec prefixes its output with a one-byte format tag so Read can dispatch
// to the right decompressor even if the cache's configured Codec changes
// between writes (for example via a live pkg/fsconfig reload).
package fscodec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// tag identifies which compression tier produced a payload. Stored as the
// first byte of every file this package writes.
type tag byte

const (
	tagJSON tag = iota
	tagS2
	tagZstd
	tagLZ4
)

// Codec encodes a value's bytes into the on-disk representation and decodes
// them back. Decode must never panic; a malformed payload is reported as an
// error so the caller can treat it as a miss.
type Codec interface {
	Encode(value []byte) ([]byte, error)
	Decode(raw []byte) ([]byte, error)
}

type jsonCodec struct{}

// JSON returns the baseline codec: values are stored as a JSON string
// literal with no compression. This is the default and is always able to
// decode its own output regardless of which Codec the cache is currently
// configured with, since the format tag is self-describing.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Encode(value []byte) ([]byte, error) {
	body, err := json.Marshal(string(value))
	if err != nil {
		return nil, fmt.Errorf("fscodec: marshal payload: %w", err)
	}
	return append([]byte{byte(tagJSON)}, body...), nil
}

func (jsonCodec) Decode(raw []byte) ([]byte, error) {
	body, err := stripTag(raw, tagJSON)
	if err != nil {
		return decodeAny(raw)
	}
	var s string
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("fscodec: unmarshal payload: %w", err)
	}
	return []byte(s), nil
}

type s2Codec struct{}

// S2 wraps the JSON representation in S2 (an improved Snappy) compression,
// a fast tier suited to payloads where CPU cost matters more than ratio.
func S2() Codec { return s2Codec{} }

func (s2Codec) Encode(value []byte) ([]byte, error) {
	body, err := json.Marshal(string(value))
	if err != nil {
		return nil, fmt.Errorf("fscodec: marshal payload: %w", err)
	}
	compressed := s2.Encode(nil, body)
	return append([]byte{byte(tagS2)}, compressed...), nil
}

func (s2Codec) Decode(raw []byte) ([]byte, error) {
	return decodeAny(raw)
}

type zstdCodec struct {
	level zstd.EncoderLevel
}

// Zstd wraps the JSON representation in Zstandard compression. level ranges
// 1 (fastest) to 4 (best compression); values outside that range clamp to
// the nearest bound.
func Zstd(level int) Codec {
	lvl := zstd.SpeedDefault
	switch {
	case level <= 1:
		lvl = zstd.SpeedFastest
	case level >= 4:
		lvl = zstd.SpeedBestCompression
	}
	return zstdCodec{level: lvl}
}

func (z zstdCodec) Encode(value []byte) ([]byte, error) {
	body, err := json.Marshal(string(value))
	if err != nil {
		return nil, fmt.Errorf("fscodec: marshal payload: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(z.level))
	if err != nil {
		return nil, fmt.Errorf("fscodec: create zstd encoder: %w", err)
	}
	defer func() { _ = enc.Close() }()
	compressed := enc.EncodeAll(body, nil)
	return append([]byte{byte(tagZstd)}, compressed...), nil
}

func (zstdCodec) Decode(raw []byte) ([]byte, error) {
	return decodeAny(raw)
}

type lz4Codec struct{}

// LZ4 wraps the JSON representation in LZ4 block compression, favoring
// decode speed over ratio.
func LZ4() Codec { return lz4Codec{} }

func (lz4Codec) Encode(value []byte) ([]byte, error) {
	body, err := json.Marshal(string(value))
	if err != nil {
		return nil, fmt.Errorf("fscodec: marshal payload: %w", err)
	}
	buf := make([]byte, lz4.CompressBlockBound(len(body)))
	var c lz4.Compressor
	n, err := c.CompressBlock(body, buf)
	if err != nil {
		return nil, fmt.Errorf("fscodec: lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input: lz4 reports n == 0 rather than expanding it.
		// Fall back to storing the raw JSON body under the LZ4 tag with a
		// length-prefixed "stored" marker so Decode can tell the two apart.
		out := make([]byte, 0, 1+8+len(body))
		out = append(out, byte(tagLZ4))
		out = appendUvarint(out, 0)
		out = append(out, body...)
		return out, nil
	}
	out := make([]byte, 0, 1+8+n)
	out = append(out, byte(tagLZ4))
	out = appendUvarint(out, uint64(len(body)))
	out = append(out, buf[:n]...)
	return out, nil
}

func (lz4Codec) Decode(raw []byte) ([]byte, error) {
	return decodeAny(raw)
}

// ByName resolves a codec by its configuration-file name, so callers driving
// this cache from a config file (pkg/fsconfig) can select a codec without
// importing the constructors directly. "zstd" uses Zstd's default level.
// Unrecognized names are reported as an error rather than silently falling
// back to JSON, since a typo'd codec name in a config file should surface
// immediately rather than change on-disk behavior quietly.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON(), nil
	case "s2":
		return S2(), nil
	case "zstd":
		return Zstd(2), nil // SpeedDefault
	case "lz4":
		return LZ4(), nil
	default:
		return nil, fmt.Errorf("fscodec: unrecognized codec %q", name)
	}
}

// decodeAny inspects the leading format tag and dispatches to the matching
// decompressor, so Read can decode a file regardless of which Codec the
// cache is currently configured with.
func decodeAny(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("fscodec: empty payload")
	}
	switch tag(raw[0]) {
	case tagJSON:
		var s string
		if err := json.Unmarshal(raw[1:], &s); err != nil {
			return nil, fmt.Errorf("fscodec: unmarshal payload: %w", err)
		}
		return []byte(s), nil
	case tagS2:
		body, err := s2.Decode(nil, raw[1:])
		if err != nil {
			return nil, fmt.Errorf("fscodec: s2 decode: %w", err)
		}
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("fscodec: unmarshal payload: %w", err)
		}
		return []byte(s), nil
	case tagZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("fscodec: create zstd decoder: %w", err)
		}
		defer dec.Close()
		body, err := dec.DecodeAll(raw[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("fscodec: zstd decode: %w", err)
		}
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("fscodec: unmarshal payload: %w", err)
		}
		return []byte(s), nil
	case tagLZ4:
		body, err := decodeLZ4(raw[1:])
		if err != nil {
			return nil, err
		}
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("fscodec: unmarshal payload: %w", err)
		}
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("fscodec: unrecognized format tag %d", raw[0])
	}
}

func decodeLZ4(raw []byte) ([]byte, error) {
	origLen, n := readUvarint(raw)
	if n <= 0 {
		return nil, fmt.Errorf("fscodec: malformed lz4 length prefix")
	}
	payload := raw[n:]
	if origLen == 0 {
		return payload, nil
	}
	dst := make([]byte, origLen)
	written, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, fmt.Errorf("fscodec: lz4 decompress: %w", err)
	}
	return dst[:written], nil
}

// stripTag is a small helper kept for the JSON codec's own fast path; it
// exists so jsonCodec.Decode does not need to import the shared dispatch
// table for the overwhelmingly common case of a file it wrote itself.
func stripTag(raw []byte, want tag) ([]byte, error) {
	if len(raw) == 0 || tag(raw[0]) != want {
		return nil, fmt.Errorf("fscodec: tag mismatch")
	}
	return raw[1:], nil
}

func appendUvarint(dst []byte, v uint64) []byte {
	var buf [10]byte
	n := 0
	for v >= 0x80 {
		buf[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	buf[n] = byte(v)
	n++
	return append(dst, buf[:n]...)
}

func readUvarint(buf []byte) (uint64, int) {
	var x uint64
	var s uint
	for i, b := range buf {
		if b < 0x80 {
			if i > 9 || (i == 9 && b > 1) {
				return 0, -(i + 1)
			}
			return x | uint64(b)<<s, i + 1
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, 0
}
