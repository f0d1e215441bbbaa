package kitedb

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Codec converts values to and from their stored representation. The store
// compares encoded bytes for witness checks, so codecs must be
// deterministic.
type Codec[V any] struct {
	Marshal   func(V) ([]byte, error)
	Unmarshal func([]byte) (V, error)
}

// RawCodec stores byte slices as-is.
func RawCodec() Codec[[]byte] {
	return Codec[[]byte]{
		Marshal:   func(v []byte) ([]byte, error) { return v, nil },
		Unmarshal: func(b []byte) ([]byte, error) { return b, nil },
	}
}

// Record values are encoded with the protobuf wire format: fields carry
// explicit numbers so stored layouts survive rolling upgrades, and
// decoders skip numbers they do not know. Zero values are omitted, exactly
// like proto3. The helpers below are what record codecs are built from.

// AppendString appends a length-delimited string field. Empty strings are
// omitted.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited bytes field. Empty slices are
// omitted.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendInt64 appends a varint field. Zero is omitted. Negative values use
// the standard ten-byte int64 encoding.
func AppendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// AppendInt32 appends a varint field. Zero is omitted.
func AppendInt32(b []byte, num protowire.Number, v int32) []byte {
	return AppendInt64(b, num, int64(v))
}
