package jsvm

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"

	"github.com/cryguy/vmhost/internal/core"
)

// Values cross the engine boundary as JSON. Plain JSON covers null,
// booleans, finite numbers, strings and arrays; every other kind is a
// single-key object whose key starts with '$':
//
//	{"$u":1}          undefined
//	{"$f":"NaN"}      NaN, Infinity, -Infinity, -0
//	{"$b":"123"}      BigInt in decimal
//	{"$x":"aabb"}     ArrayBuffer in hex
//	{"$n":42}         native-object handle
//	{"$p":7}          promise parked in the prelude's table
//	{"$o":{...}}      plain object
//
// The prelude implements the same encoding on the script side.

func encodeValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValues(vs []Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range vs {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(&buf, v); err != nil {
			return nil, err
		}
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// writeString refuses invalid UTF-8; json.Marshal would substitute
// U+FFFD and the script would see a different string.
func writeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string %q is not valid UTF-8: %w", s, core.ErrTypeMismatch)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func writeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindUndefined:
		buf.WriteString(`{"$u":1}`)
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		f := v.num
		switch {
		case math.IsNaN(f):
			buf.WriteString(`{"$f":"NaN"}`)
		case math.IsInf(f, 1):
			buf.WriteString(`{"$f":"Infinity"}`)
		case math.IsInf(f, -1):
			buf.WriteString(`{"$f":"-Infinity"}`)
		case f == 0 && math.Signbit(f):
			buf.WriteString(`{"$f":"-0"}`)
		default:
			buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		}
	case KindBigInt:
		fmt.Fprintf(buf, `{"$b":"%s"}`, v.big.String())
	case KindString:
		return writeString(buf, v.str)
	case KindBuffer:
		fmt.Fprintf(buf, `{"$x":"%s"}`, hex.EncodeToString(v.bin))
	case KindNative:
		fmt.Fprintf(buf, `{"$n":%d}`, v.ref)
	case KindPromise:
		fmt.Fprintf(buf, `{"$p":%d}`, v.ref)
	case KindArray:
		buf.WriteByte('[')
		for i, it := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, it); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteString(`{"$o":{`)
		for i, k := range v.Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, v.fields[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}}")
	default:
		return fmt.Errorf("encoding value: unknown kind %d", v.kind)
	}
	return nil
}

func (h *Handle) decode(data string) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("decoding script value: %w", err)
	}
	return h.fromJSON(raw)
}

func (h *Handle) fromJSON(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return h.NewNull(), nil
	case bool:
		return h.NewBool(x), nil
	case string:
		return h.NewString(x), nil
	case json.Number:
		f, err := strconv.ParseFloat(string(x), 64)
		if err != nil {
			return Value{}, fmt.Errorf("decoding number %q: %w", x, err)
		}
		return h.NewFloat64(f), nil
	case []any:
		items := make([]Value, len(x))
		for i, it := range x {
			v, err := h.fromJSON(it)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return h.NewArray(items...), nil
	case map[string]any:
		return h.fromTagged(x)
	}
	return Value{}, fmt.Errorf("decoding script value: unexpected %T", raw)
}

func (h *Handle) fromTagged(m map[string]any) (Value, error) {
	if len(m) != 1 {
		return Value{}, fmt.Errorf("decoding script value: untagged object")
	}
	for tag, body := range m {
		switch tag {
		case "$u":
			return h.NewUndefined(), nil
		case "$f":
			s, _ := body.(string)
			switch s {
			case "NaN":
				return h.NewFloat64(math.NaN()), nil
			case "Infinity":
				return h.NewFloat64(math.Inf(1)), nil
			case "-Infinity":
				return h.NewFloat64(math.Inf(-1)), nil
			case "-0":
				return h.NewFloat64(math.Copysign(0, -1)), nil
			}
			return Value{}, fmt.Errorf("decoding script value: bad float tag %q", s)
		case "$b":
			s, _ := body.(string)
			n, ok := new(big.Int).SetString(s, 10)
			if !ok {
				return Value{}, fmt.Errorf("decoding script value: bad bigint %q", s)
			}
			return h.NewBigInt(n), nil
		case "$x":
			s, _ := body.(string)
			p, err := hex.DecodeString(s)
			if err != nil {
				return Value{}, fmt.Errorf("decoding script buffer: %w", err)
			}
			v := h.value(KindBuffer)
			v.bin = p
			return v, nil
		case "$n", "$p":
			num, _ := body.(json.Number)
			id, err := strconv.ParseUint(string(num), 10, 32)
			if err != nil {
				return Value{}, fmt.Errorf("decoding script handle: %w", err)
			}
			if tag == "$n" {
				return h.NewNativeObjectFrom(uint32(id)), nil
			}
			v := h.value(KindPromise)
			v.ref = uint32(id)
			return v, nil
		case "$o":
			fm, ok := body.(map[string]any)
			if !ok {
				return Value{}, fmt.Errorf("decoding script object: %T", body)
			}
			fields := make(map[string]Value, len(fm))
			for k, fv := range fm {
				v, err := h.fromJSON(fv)
				if err != nil {
					return Value{}, err
				}
				fields[k] = v
			}
			return h.NewObject(fields), nil
		}
		return Value{}, fmt.Errorf("decoding script value: unknown tag %q", tag)
	}
	panic("unreachable")
}
