package collections

import (
	"encoding/binary"
	"math"

	"github.com/wippyai/capmem/errors"
)

// Codec lays values of T out as fixed-size records inside a provider.
type Codec[T any] interface {
	// Size is the encoded width in bytes.
	Size() int
	// Encode writes v into dst[:Size()].
	Encode(dst []byte, v T) error
	// Decode reads a value from src[:Size()].
	Decode(src []byte) T
}

type uint8Codec struct{}

func (uint8Codec) Size() int { return 1 }
func (uint8Codec) Encode(dst []byte, v uint8) error {
	dst[0] = v
	return nil
}
func (uint8Codec) Decode(src []byte) uint8 { return src[0] }

type uint16Codec struct{}

func (uint16Codec) Size() int { return 2 }
func (uint16Codec) Encode(dst []byte, v uint16) error {
	binary.LittleEndian.PutUint16(dst, v)
	return nil
}
func (uint16Codec) Decode(src []byte) uint16 { return binary.LittleEndian.Uint16(src) }

type uint32Codec struct{}

func (uint32Codec) Size() int { return 4 }
func (uint32Codec) Encode(dst []byte, v uint32) error {
	binary.LittleEndian.PutUint32(dst, v)
	return nil
}
func (uint32Codec) Decode(src []byte) uint32 { return binary.LittleEndian.Uint32(src) }

type uint64Codec struct{}

func (uint64Codec) Size() int { return 8 }
func (uint64Codec) Encode(dst []byte, v uint64) error {
	binary.LittleEndian.PutUint64(dst, v)
	return nil
}
func (uint64Codec) Decode(src []byte) uint64 { return binary.LittleEndian.Uint64(src) }

type int32Codec struct{}

func (int32Codec) Size() int { return 4 }
func (int32Codec) Encode(dst []byte, v int32) error {
	binary.LittleEndian.PutUint32(dst, uint32(v))
	return nil
}
func (int32Codec) Decode(src []byte) int32 { return int32(binary.LittleEndian.Uint32(src)) }

type int64Codec struct{}

func (int64Codec) Size() int { return 8 }
func (int64Codec) Encode(dst []byte, v int64) error {
	binary.LittleEndian.PutUint64(dst, uint64(v))
	return nil
}
func (int64Codec) Decode(src []byte) int64 { return int64(binary.LittleEndian.Uint64(src)) }

type float64Codec struct{}

func (float64Codec) Size() int { return 8 }
func (float64Codec) Encode(dst []byte, v float64) error {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	return nil
}
func (float64Codec) Decode(src []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(src))
}

type boolCodec struct{}

func (boolCodec) Size() int { return 1 }
func (boolCodec) Encode(dst []byte, v bool) error {
	dst[0] = 0
	if v {
		dst[0] = 1
	}
	return nil
}
func (boolCodec) Decode(src []byte) bool { return src[0] != 0 }

// Built-in codecs.
var (
	Uint8   Codec[uint8]   = uint8Codec{}
	Uint16  Codec[uint16]  = uint16Codec{}
	Uint32  Codec[uint32]  = uint32Codec{}
	Uint64  Codec[uint64]  = uint64Codec{}
	Int32   Codec[int32]   = int32Codec{}
	Int64   Codec[int64]   = int64Codec{}
	Float64 Codec[float64] = float64Codec{}
	Bool    Codec[bool]    = boolCodec{}
)

// lengthPrefix is the width of the length field of variable-length codecs.
const lengthPrefix = 2

// MaxFixedWidth bounds FixedBytes and FixedString widths.
const MaxFixedWidth = math.MaxUint16

type fixedBytes struct{ n int }

// FixedBytes stores byte slices of up to n bytes in n+2 byte records.
func FixedBytes(n int) Codec[[]byte] {
	return fixedBytes{n: clampWidth(n)}
}

func (c fixedBytes) Size() int { return lengthPrefix + c.n }

func (c fixedBytes) Encode(dst []byte, v []byte) error {
	return putVariable(dst, v, c.n)
}

func (c fixedBytes) Decode(src []byte) []byte {
	return append([]byte(nil), variable(src, c.n)...)
}

type fixedString struct{ n int }

// FixedString stores strings of up to n bytes in n+2 byte records.
func FixedString(n int) Codec[string] {
	return fixedString{n: clampWidth(n)}
}

func (c fixedString) Size() int { return lengthPrefix + c.n }

func (c fixedString) Encode(dst []byte, v string) error {
	return putVariable(dst, v, c.n)
}

func (c fixedString) Decode(src []byte) string {
	return string(variable(src, c.n))
}

func clampWidth(n int) int {
	return max(0, min(n, MaxFixedWidth))
}

func putVariable[S string | []byte](dst []byte, v S, n int) error {
	if len(v) > n {
		return tooLong(len(v), n)
	}
	binary.LittleEndian.PutUint16(dst, uint16(len(v)))
	rest := dst[lengthPrefix : lengthPrefix+n]
	copy(rest, v)
	clear(rest[len(v):])
	return nil
}

func variable(src []byte, n int) []byte {
	l := min(int(binary.LittleEndian.Uint16(src)), n)
	return src[lengthPrefix : lengthPrefix+l]
}

func tooLong(got, limit int) error {
	return errors.New(errors.PhaseCollection, errors.KindInvalidInput).
		Value(got).
		Detail("value of %d bytes exceeds fixed width %d", got, limit).
		Build()
}
