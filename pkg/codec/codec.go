// Package codec defines how a Go value of type T is packed into and out of
// a mapped device-buffer window. Codecs are the external collaborator
// spec.md calls the Element Codec: the session engine never interprets
// element bytes itself, it only asks a Codec to encode/decode at a given
// element index.
package codec

import (
	"encoding/binary"
	"math"
)

// Codec packs and unpacks one element of T against a byte window, at a
// given element index (not byte offset — SizeOf() scales it).
type Codec[T any] interface {
	SizeOf() int
	Encode(idx int, window []byte, value T)
	Decode(idx int, window []byte) T
}

// Float32 codec, little-endian IEEE 754.
type Float32 struct{}

func (Float32) SizeOf() int { return 4 }

func (Float32) Encode(idx int, window []byte, value float32) {
	binary.LittleEndian.PutUint32(window[idx*4:], math.Float32bits(value))
}

func (Float32) Decode(idx int, window []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(window[idx*4:]))
}

// Float64 codec, little-endian IEEE 754.
type Float64 struct{}

func (Float64) SizeOf() int { return 8 }

func (Float64) Encode(idx int, window []byte, value float64) {
	binary.LittleEndian.PutUint64(window[idx*8:], math.Float64bits(value))
}

func (Float64) Decode(idx int, window []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(window[idx*8:]))
}

// Int32 codec, little-endian two's complement.
type Int32 struct{}

func (Int32) SizeOf() int { return 4 }

func (Int32) Encode(idx int, window []byte, value int32) {
	binary.LittleEndian.PutUint32(window[idx*4:], uint32(value))
}

func (Int32) Decode(idx int, window []byte) int32 {
	return int32(binary.LittleEndian.Uint32(window[idx*4:]))
}
