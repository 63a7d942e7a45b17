package remote

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"
)

// maxDecompressedSize bounds the output of a single payload decompression.
const maxDecompressedSize = 64 * 1024 * 1024

// Codec names a payload compression.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecBrotli
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecBrotli:
		return "brotli"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a config name to a Codec. The empty name means none.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return CodecNone, nil
	case "brotli":
		return CodecBrotli, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, fmt.Errorf("unsupported codec %q", name)
	}
}

func newCompressWriter(buf *bytes.Buffer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecBrotli:
		return brotli.NewWriter(buf), nil
	case CodecLZ4:
		return lz4.NewWriter(buf), nil
	default:
		return nil, fmt.Errorf("compress: unsupported %s", c)
	}
}

func compress(c Codec, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := newCompressWriter(&buf, c)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress %s: %w", c, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress %s: %w", c, err)
	}
	return buf.Bytes(), nil
}

func decompress(c Codec, data []byte) ([]byte, error) {
	var r io.Reader
	switch c {
	case CodecNone:
		return data, nil
	case CodecBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case CodecLZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("decompress: unsupported %s", c)
	}
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", c, err)
	}
	if len(out) > maxDecompressedSize {
		return nil, fmt.Errorf("decompress %s: output exceeds maximum allowed size", c)
	}
	return out, nil
}

// Encoder turns frames into websocket messages, compressing payloads of at
// least Threshold bytes with Codec.
type Encoder struct {
	Codec     Codec
	Threshold int
}

// Encode marshals f. f itself is not modified.
func (e Encoder) Encode(f *Frame) ([]byte, error) {
	out := *f
	out.Codec = CodecNone
	if e.Codec != CodecNone && len(f.Payload) >= e.Threshold && len(f.Payload) > 0 {
		z, err := compress(e.Codec, f.Payload)
		if err != nil {
			return nil, err
		}
		if len(z) < len(f.Payload) {
			out.Payload, out.Codec = z, e.Codec
		}
	}
	return out.Marshal(), nil
}

// Decode parses a websocket message and restores the payload.
func Decode(msg []byte) (*Frame, error) {
	f, err := Unmarshal(msg)
	if err != nil {
		return nil, err
	}
	if f.Codec != CodecNone {
		if f.Payload, err = decompress(f.Codec, f.Payload); err != nil {
			return nil, fmt.Errorf("frame %s: %w", f.ID, err)
		}
		f.Codec = CodecNone
	}
	return f, nil
}
