// Package remote carries channel requests to responders in another process
// over a websocket. Each message is one protobuf-encoded frame.
package remote

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind tells requests from responses.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
)

// Frame is one request or response on the wire. Objects are opaque ids;
// the remote side cannot dereference them and only hands them back.
type Frame struct {
	Kind    Kind
	ID      uuid.UUID
	Dest    string
	Attrs   map[string]string
	Payload []byte
	Objects []uint32
	Codec   Codec // codec Payload is compressed with on the wire
	Error   string
}

// Field numbers of the frame message.
const (
	fieldKind    protowire.Number = 1
	fieldID      protowire.Number = 2
	fieldDest    protowire.Number = 3
	fieldAttr    protowire.Number = 4
	fieldPayload protowire.Number = 5
	fieldObjects protowire.Number = 6
	fieldCodec   protowire.Number = 7
	fieldError   protowire.Number = 8

	fieldAttrKey   protowire.Number = 1
	fieldAttrValue protowire.Number = 2
)

// Marshal encodes f. The payload is written as is; compression happens in
// Encode.
func (f *Frame) Marshal() []byte {
	b := make([]byte, 0, 32+len(f.Payload)+len(f.Dest))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, f.ID[:])
	if f.Dest != "" {
		b = protowire.AppendTag(b, fieldDest, protowire.BytesType)
		b = protowire.AppendString(b, f.Dest)
	}

	keys := make([]string, 0, len(f.Attrs))
	for k := range f.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var kv []byte
		kv = protowire.AppendTag(kv, fieldAttrKey, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, fieldAttrValue, protowire.BytesType)
		kv = protowire.AppendString(kv, f.Attrs[k])
		b = protowire.AppendTag(b, fieldAttr, protowire.BytesType)
		b = protowire.AppendBytes(b, kv)
	}

	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if len(f.Objects) > 0 {
		var packed []byte
		for _, id := range f.Objects {
			packed = protowire.AppendVarint(packed, uint64(id))
		}
		b = protowire.AppendTag(b, fieldObjects, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if f.Codec != CodecNone {
		b = protowire.AppendTag(b, fieldCodec, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Codec))
	}
	if f.Error != "" {
		b = protowire.AppendTag(b, fieldError, protowire.BytesType)
		b = protowire.AppendString(b, f.Error)
	}
	return b
}

// Unmarshal decodes a frame. Unknown fields are skipped.
func Unmarshal(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("frame kind: %w", protowire.ParseError(n))
			}
			f.Kind = Kind(v)
			b = b[n:]
		case num == fieldCodec && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("frame codec: %w", protowire.ParseError(n))
			}
			f.Codec = Codec(v)
			b = b[n:]
		case typ == protowire.BytesType && num >= fieldID && num <= fieldError:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := f.setBytes(num, v); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Kind != KindRequest && f.Kind != KindResponse {
		return nil, fmt.Errorf("frame %s: unknown kind %d", f.ID, f.Kind)
	}
	return f, nil
}

func (f *Frame) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fieldID:
		id, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("frame id: %w", err)
		}
		f.ID = id
	case fieldDest:
		f.Dest = string(v)
	case fieldAttr:
		k, val, err := consumeAttr(v)
		if err != nil {
			return err
		}
		if f.Attrs == nil {
			f.Attrs = make(map[string]string)
		}
		f.Attrs[k] = val
	case fieldPayload:
		f.Payload = append([]byte(nil), v...)
	case fieldObjects:
		for len(v) > 0 {
			id, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return fmt.Errorf("frame objects: %w", protowire.ParseError(n))
			}
			f.Objects = append(f.Objects, uint32(id))
			v = v[n:]
		}
	case fieldError:
		f.Error = string(v)
	}
	return nil
}

func consumeAttr(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("frame attr: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", fmt.Errorf("frame attr: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", "", fmt.Errorf("frame attr: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case fieldAttrKey:
			key = string(v)
		case fieldAttrValue:
			value = string(v)
		}
	}
	return key, value, nil
}
