package jsvm

import (
	"math"
	"math/big"
	"sort"

	"github.com/cryguy/vmhost/internal/arena"
)

// Kind is the script-level type of a Value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindBigInt
	KindString
	KindObject
	KindArray
	KindBuffer
	KindNative
	KindPromise
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindBigInt:
		return "bigint"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindBuffer:
		return "arraybuffer"
	case KindNative:
		return "native"
	case KindPromise:
		return "promise"
	default:
		return "unknown"
	}
}

// Value is a script value owned by one VM. Values are built with the
// owning handle's New* methods or read back from script code, and are
// rejected by every other VM.
type Value struct {
	owner  uint64
	kind   Kind
	b      bool
	num    float64
	big    *big.Int
	str    string
	bin    []byte
	ref    uint32
	fields map[string]Value
	items  []Value
}

// maxSafe is the largest integer a JS number holds exactly.
const maxSafe = 1<<53 - 1

func (h *Handle) value(k Kind) Value { return Value{owner: h.id, kind: k} }

func (h *Handle) NewUndefined() Value { return h.value(KindUndefined) }

func (h *Handle) NewNull() Value { return h.value(KindNull) }

func (h *Handle) NewBool(b bool) Value {
	v := h.value(KindBool)
	v.b = b
	return v
}

func (h *Handle) number(f float64) Value {
	v := h.value(KindNumber)
	v.num = f
	return v
}

func (h *Handle) NewInt8(n int8) Value { return h.number(float64(n)) }
func (h *Handle) NewInt16(n int16) Value { return h.number(float64(n)) }
func (h *Handle) NewInt32(n int32) Value { return h.number(float64(n)) }
func (h *Handle) NewUint8(n uint8) Value { return h.number(float64(n)) }
func (h *Handle) NewUint16(n uint16) Value { return h.number(float64(n)) }
func (h *Handle) NewUint32(n uint32) Value { return h.number(float64(n)) }
func (h *Handle) NewFloat32(f float32) Value { return h.number(float64(f)) }
func (h *Handle) NewFloat64(f float64) Value { return h.number(f) }

// NewInt64 returns a BigInt so the full 64-bit range survives the trip
// through the script.
func (h *Handle) NewInt64(n int64) Value { return h.NewBigInt(big.NewInt(n)) }

// NewUint64 returns a BigInt, see NewInt64.
func (h *Handle) NewUint64(n uint64) Value { return h.NewBigInt(new(big.Int).SetUint64(n)) }

func (h *Handle) NewBigInt(n *big.Int) Value {
	v := h.value(KindBigInt)
	v.big = new(big.Int).Set(n)
	return v
}

// NewString returns a string value. s must be valid UTF-8; passing it to
// the engine fails with ErrTypeMismatch otherwise.
func (h *Handle) NewString(s string) Value {
	v := h.value(KindString)
	v.str = s
	return v
}

// NewBuffer returns an ArrayBuffer holding a copy of p.
func (h *Handle) NewBuffer(p []byte) Value {
	v := h.value(KindBuffer)
	v.bin = append([]byte{}, p...)
	return v
}

// NewArray builds an array. Items owned by another VM become undefined.
func (h *Handle) NewArray(items ...Value) Value {
	v := h.value(KindArray)
	v.items = make([]Value, len(items))
	for i, it := range items {
		if it.owner != h.id {
			it = h.NewUndefined()
		}
		v.items[i] = it
	}
	return v
}

// NewObject builds a plain object. Fields owned by another VM are dropped.
func (h *Handle) NewObject(fields map[string]Value) Value {
	v := h.value(KindObject)
	v.fields = make(map[string]Value, len(fields))
	for k, f := range fields {
		if f.owner == h.id {
			v.fields[k] = f
		}
	}
	return v
}

// NewNativeObject stores obj in the VM's arena and returns the script
// handle that refers to it.
func (h *Handle) NewNativeObject(obj any, tag string) Value {
	return h.NewNativeObjectFrom(h.objects.Put(obj, tag))
}

// NewNativeObjectFrom returns a script handle for an existing arena id.
func (h *Handle) NewNativeObjectFrom(id uint32) Value {
	v := h.value(KindNative)
	v.ref = id
	return v
}

// NativeObject borrows the arena entry behind v.
func (h *Handle) NativeObject(v Value) (arena.Entry, bool) {
	if v.owner != h.id || v.kind != KindNative {
		return arena.Entry{}, false
	}
	return h.objects.Borrow(v.ref)
}

// TakeNativeObject removes the arena entry behind v and hands it to the caller.
func (h *Handle) TakeNativeObject(v Value) (arena.Entry, bool) {
	if v.owner != h.id || v.kind != KindNative {
		return arena.Entry{}, false
	}
	return h.objects.Take(v.ref)
}

// Objects returns the VM's native-object arena.
func (h *Handle) Objects() *arena.Arena { return h.objects }

func (v Value) Kind() Kind { return v.kind }
func (v Value) Owner() uint64 { return v.owner }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

func (v Value) signed(min, max int64) (int64, bool) {
	switch v.kind {
	case KindNumber:
		f := v.num
		if f != math.Trunc(f) || math.IsInf(f, 0) || f < -maxSafe || f > maxSafe {
			return 0, false
		}
		n := int64(f)
		return n, n >= min && n <= max
	case KindBigInt:
		if !v.big.IsInt64() {
			return 0, false
		}
		n := v.big.Int64()
		return n, n >= min && n <= max
	}
	return 0, false
}

func (v Value) unsigned(max uint64) (uint64, bool) {
	switch v.kind {
	case KindNumber:
		f := v.num
		if f != math.Trunc(f) || math.IsInf(f, 0) || f < 0 || f > maxSafe {
			return 0, false
		}
		n := uint64(f)
		return n, n <= max
	case KindBigInt:
		if !v.big.IsUint64() {
			return 0, false
		}
		n := v.big.Uint64()
		return n, n <= max
	}
	return 0, false
}

func (v Value) Int8() (int8, bool) {
	n, ok := v.signed(math.MinInt8, math.MaxInt8)
	return int8(n), ok
}

func (v Value) Int16() (int16, bool) {
	n, ok := v.signed(math.MinInt16, math.MaxInt16)
	return int16(n), ok
}

func (v Value) Int32() (int32, bool) {
	n, ok := v.signed(math.MinInt32, math.MaxInt32)
	return int32(n), ok
}

func (v Value) Int64() (int64, bool) {
	return v.signed(math.MinInt64, math.MaxInt64)
}

func (v Value) Uint8() (uint8, bool) {
	n, ok := v.unsigned(math.MaxUint8)
	return uint8(n), ok
}

func (v Value) Uint16() (uint16, bool) {
	n, ok := v.unsigned(math.MaxUint16)
	return uint16(n), ok
}

func (v Value) Uint32() (uint32, bool) {
	n, ok := v.unsigned(math.MaxUint32)
	return uint32(n), ok
}

func (v Value) Uint64() (uint64, bool) {
	return v.unsigned(math.MaxUint64)
}

func (v Value) Float32() (float32, bool) {
	return float32(v.num), v.kind == KindNumber
}

func (v Value) Float64() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// BigInt returns a copy of a BigInt value.
func (v Value) BigInt() (*big.Int, bool) {
	if v.kind != KindBigInt {
		return nil, false
	}
	return new(big.Int).Set(v.big), true
}

func (v Value) Text() (string, bool) {
	return v.str, v.kind == KindString
}

// Bytes returns the contents of an ArrayBuffer value.
func (v Value) Bytes() ([]byte, bool) {
	return v.bin, v.kind == KindBuffer
}

// NativeID returns the arena id of a native-object handle.
func (v Value) NativeID() (uint32, bool) {
	return v.ref, v.kind == KindNative
}

func (v Value) Field(name string) (Value, bool) {
	f, ok := v.fields[name]
	return f, ok && v.kind == KindObject
}

// Keys returns an object's field names in sorted order.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.fields))
	for k := range v.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindArray || i < 0 || i >= len(v.items) {
		return Value{}, false
	}
	return v.items[i], true
}

// Len is the length of an array, string, buffer or object.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.items)
	case KindString:
		return len(v.str)
	case KindBuffer:
		return len(v.bin)
	case KindObject:
		return len(v.fields)
	}
	return 0
}
