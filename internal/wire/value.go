// Package wire implements the canonical, self-describing value and message
// encoding used on every peer connection (spec §6). It is schema-free by
// design: the retrieval pack had no generated protobuf messages available,
// so the encoding is built directly on protobuf's wire primitives
// (protowire varints/fixed64), the same primitives grinta's flow.go and
// pkg/flow/bytes_codec.go use directly instead of going through generated
// proto.Message types.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind discriminates the tag every encoded Value carries ahead of its
// payload, so a reader never needs an external schema to decode a frame.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
	KindRecord
	KindTimestamp
)

// Value is a recursive, dynamically typed value tree. RPC arguments and
// return values, signal payloads, and exception/handshake bodies are all
// represented as a Value before being written to the wire.
type Value struct {
	Kind Kind

	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	List  []Value
	Map   map[string]Value

	// Record name, populated only when Kind == KindRecord. Records are the
	// tagged unions spec §6 calls for: exceptions and handshakes are both
	// encoded as a Record so a decoder can recognise them by name without a
	// separate schema.
	RecordName string

	// Timestamp seconds/nanoseconds, populated only when Kind == KindTimestamp.
	Sec  int64
	Nsec int32
}

func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value      { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value       { return Value{Kind: KindBytes, Bytes: b} }
func List(vs ...Value) Value     { return Value{Kind: KindList, List: vs} }
func Map(m map[string]Value) Value {
	return Value{Kind: KindMap, Map: m}
}
func Record(name string, fields map[string]Value) Value {
	return Value{Kind: KindRecord, RecordName: name, Map: fields}
}
func Timestamp(sec int64, nsec int32) Value {
	return Value{Kind: KindTimestamp, Sec: sec, Nsec: nsec}
}

// Encode appends the canonical encoding of v to buf and returns the result.
func Encode(buf []byte, v Value) []byte {
	buf = protowire.AppendVarint(buf, uint64(v.Kind))
	switch v.Kind {
	case KindNull:
		// no payload
	case KindBool:
		b := uint64(0)
		if v.Bool {
			b = 1
		}
		buf = protowire.AppendVarint(buf, b)
	case KindInt:
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v.Int))
	case KindFloat:
		buf = protowire.AppendFixed64(buf, encodeFloat64(v.Float))
	case KindString:
		buf = protowire.AppendVarint(buf, uint64(len(v.Str)))
		buf = append(buf, v.Str...)
	case KindBytes:
		buf = protowire.AppendVarint(buf, uint64(len(v.Bytes)))
		buf = append(buf, v.Bytes...)
	case KindList:
		buf = protowire.AppendVarint(buf, uint64(len(v.List)))
		for _, item := range v.List {
			buf = Encode(buf, item)
		}
	case KindMap:
		buf = protowire.AppendVarint(buf, uint64(len(v.Map)))
		for k, val := range v.Map {
			buf = protowire.AppendVarint(buf, uint64(len(k)))
			buf = append(buf, k...)
			buf = Encode(buf, val)
		}
	case KindRecord:
		buf = protowire.AppendVarint(buf, uint64(len(v.RecordName)))
		buf = append(buf, v.RecordName...)
		buf = protowire.AppendVarint(buf, uint64(len(v.Map)))
		for k, val := range v.Map {
			buf = protowire.AppendVarint(buf, uint64(len(k)))
			buf = append(buf, k...)
			buf = Encode(buf, val)
		}
	case KindTimestamp:
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v.Sec))
		buf = protowire.AppendVarint(buf, uint64(v.Nsec))
	default:
		panic(fmt.Sprintf("wire: unknown value kind %d", v.Kind))
	}
	return buf
}

// Decode consumes one encoded Value from the front of buf, returning the
// value, the number of bytes consumed, and any decoding error.
func Decode(buf []byte) (Value, int, error) {
	kindU, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return Value{}, 0, fmt.Errorf("wire: truncated value tag")
	}
	off := n
	kind := Kind(kindU)
	v := Value{Kind: kind}

	switch kind {
	case KindNull:
	case KindBool:
		b, m := protowire.ConsumeVarint(buf[off:])
		if m < 0 {
			return Value{}, 0, fmt.Errorf("wire: truncated bool")
		}
		v.Bool = b != 0
		off += m
	case KindInt:
		b, m := protowire.ConsumeVarint(buf[off:])
		if m < 0 {
			return Value{}, 0, fmt.Errorf("wire: truncated int")
		}
		v.Int = protowire.DecodeZigZag(b)
		off += m
	case KindFloat:
		b, m := protowire.ConsumeFixed64(buf[off:])
		if m < 0 {
			return Value{}, 0, fmt.Errorf("wire: truncated float")
		}
		v.Float = decodeFloat64(b)
		off += m
	case KindString:
		s, m, err := consumeBytes(buf[off:])
		if err != nil {
			return Value{}, 0, err
		}
		v.Str = string(s)
		off += m
	case KindBytes:
		b, m, err := consumeBytes(buf[off:])
		if err != nil {
			return Value{}, 0, err
		}
		v.Bytes = append([]byte(nil), b...)
		off += m
	case KindList:
		count, m := protowire.ConsumeVarint(buf[off:])
		if m < 0 {
			return Value{}, 0, fmt.Errorf("wire: truncated list length")
		}
		off += m
		v.List = make([]Value, 0, count)
		for i := uint64(0); i < count; i++ {
			item, m, err := Decode(buf[off:])
			if err != nil {
				return Value{}, 0, err
			}
			v.List = append(v.List, item)
			off += m
		}
	case KindMap, KindRecord:
		if kind == KindRecord {
			name, m, err := consumeBytes(buf[off:])
			if err != nil {
				return Value{}, 0, err
			}
			v.RecordName = string(name)
			off += m
		}
		count, m := protowire.ConsumeVarint(buf[off:])
		if m < 0 {
			return Value{}, 0, fmt.Errorf("wire: truncated map length")
		}
		off += m
		v.Map = make(map[string]Value, count)
		for i := uint64(0); i < count; i++ {
			key, m, err := consumeBytes(buf[off:])
			if err != nil {
				return Value{}, 0, err
			}
			off += m
			val, m, err := Decode(buf[off:])
			if err != nil {
				return Value{}, 0, err
			}
			v.Map[string(key)] = val
			off += m
		}
	case KindTimestamp:
		secZ, m := protowire.ConsumeVarint(buf[off:])
		if m < 0 {
			return Value{}, 0, fmt.Errorf("wire: truncated timestamp seconds")
		}
		off += m
		v.Sec = protowire.DecodeZigZag(secZ)
		nsec, m := protowire.ConsumeVarint(buf[off:])
		if m < 0 {
			return Value{}, 0, fmt.Errorf("wire: truncated timestamp nanos")
		}
		off += m
		v.Nsec = int32(nsec)
	default:
		return Value{}, 0, fmt.Errorf("wire: unknown value kind %d", kind)
	}

	return v, off, nil
}

func consumeBytes(buf []byte) ([]byte, int, error) {
	length, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return nil, 0, fmt.Errorf("wire: truncated length prefix")
	}
	end := n + int(length)
	if end > len(buf) || end < n {
		return nil, 0, fmt.Errorf("wire: truncated payload")
	}
	return buf[n:end], end, nil
}
