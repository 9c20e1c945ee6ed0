package modbus

import "math"

// Endian names the four byte orderings a conversion variable can request.
type Endian string

const (
	BigEndian            Endian = "big_endian"
	LittleEndian         Endian = "little_endian"
	BigEndianByteSwap    Endian = "big_endian_byte_swap"
	LittleEndianByteSwap Endian = "little_endian_byte_swap"
)

// Format names the decoded value shape a conversion variable produces.
type Format string

const (
	FormatBool    Format = "bool"
	FormatInt16   Format = "int16"
	FormatUint16  Format = "uint16"
	FormatInt32   Format = "int32"
	FormatUint32  Format = "uint32"
	FormatInt64   Format = "int64"
	FormatUint64  Format = "uint64"
	FormatFloat   Format = "float"
	FormatDouble  Format = "double"
)

// Width reports how many 16-bit registers a format occupies.
func (f Format) Width() int {
	switch f {
	case FormatBool:
		return 0
	case FormatInt16, FormatUint16:
		return 1
	case FormatInt32, FormatUint32, FormatFloat:
		return 2
	case FormatInt64, FormatUint64, FormatDouble:
		return 4
	default:
		return 0
	}
}

// byteOrder32 gives the byte-index ordering that reassembles two registers
// (4 bytes, register order reg0.hi, reg0.lo, reg1.hi, reg1.lo) into the
// target word for each endian mode.
var byteOrder32 = map[Endian][4]int{
	BigEndian:            {3, 2, 1, 0},
	LittleEndian:         {0, 1, 2, 3},
	BigEndianByteSwap:    {2, 3, 0, 1},
	LittleEndianByteSwap: {1, 0, 3, 2},
}

// byteOrder64 extends the 32-bit orderings to four registers (8 bytes) by
// the same pairwise-swap pattern.
var byteOrder64 = map[Endian][8]int{
	BigEndian:            {7, 6, 5, 4, 3, 2, 1, 0},
	LittleEndian:         {0, 1, 2, 3, 4, 5, 6, 7},
	BigEndianByteSwap:    {6, 7, 4, 5, 2, 3, 0, 1},
	LittleEndianByteSwap: {1, 0, 3, 2, 5, 4, 7, 6},
}

// registerBytes expands registers (network byte order 16-bit words) into
// their constituent bytes, high byte first per register.
func registerBytes(registers []uint16) []byte {
	out := make([]byte, len(registers)*2)
	for i, reg := range registers {
		out[i*2] = byte(reg >> 8)
		out[i*2+1] = byte(reg)
	}
	return out
}

// DecodeUint16 reassembles a single register per endian; a lone 16-bit
// register has only two possible byte orders (the swap variants coincide
// with their non-swap counterpart since there is nothing to word-swap).
func DecodeUint16(reg uint16, endian Endian) uint16 {
	switch endian {
	case LittleEndian, LittleEndianByteSwap:
		return (reg >> 8) | (reg << 8)
	default:
		return reg
	}
}

// DecodeUint32 reassembles two registers into a 32-bit word per endian.
func DecodeUint32(registers []uint16, endian Endian) uint32 {
	bytes := registerBytes(registers[:2])
	order, ok := byteOrder32[endian]
	if !ok {
		order = byteOrder32[BigEndian]
	}
	var out uint32
	for i, idx := range order {
		out |= uint32(bytes[idx]) << uint(8*i)
	}
	return out
}

// DecodeUint64 reassembles four registers into a 64-bit word per endian.
func DecodeUint64(registers []uint16, endian Endian) uint64 {
	bytes := registerBytes(registers[:4])
	order, ok := byteOrder64[endian]
	if !ok {
		order = byteOrder64[BigEndian]
	}
	var out uint64
	for i, idx := range order {
		out |= uint64(bytes[idx]) << uint(8*i)
	}
	return out
}

// DecodeValue reconstructs a typed value of the given format from the
// backing registers (already sliced to the variable's address/width),
// applying multiplier to integer formats. Float/double formats ignore
// multiplier (float/double results are serialized as real
// numbers").
func DecodeValue(format Format, registers []uint16, endian Endian, multiplier float64) (interface{}, error) {
	if multiplier == 0 {
		multiplier = 1
	}
	switch format {
	case FormatInt16:
		if len(registers) < 1 {
			return nil, ErrInsufficientRegisters
		}
		v := int16(DecodeUint16(registers[0], endian))
		return float64(v) * multiplier, nil
	case FormatUint16:
		if len(registers) < 1 {
			return nil, ErrInsufficientRegisters
		}
		v := DecodeUint16(registers[0], endian)
		return float64(v) * multiplier, nil
	case FormatInt32:
		if len(registers) < 2 {
			return nil, ErrInsufficientRegisters
		}
		v := int32(DecodeUint32(registers, endian))
		return float64(v) * multiplier, nil
	case FormatUint32:
		if len(registers) < 2 {
			return nil, ErrInsufficientRegisters
		}
		v := DecodeUint32(registers, endian)
		return float64(v) * multiplier, nil
	case FormatInt64:
		if len(registers) < 4 {
			return nil, ErrInsufficientRegisters
		}
		v := int64(DecodeUint64(registers, endian))
		return float64(v) * multiplier, nil
	case FormatUint64:
		if len(registers) < 4 {
			return nil, ErrInsufficientRegisters
		}
		v := DecodeUint64(registers, endian)
		return float64(v) * multiplier, nil
	case FormatFloat:
		if len(registers) < 2 {
			return nil, ErrInsufficientRegisters
		}
		bits := DecodeUint32(registers, endian)
		return float64(math.Float32frombits(bits)), nil
	case FormatDouble:
		if len(registers) < 4 {
			return nil, ErrInsufficientRegisters
		}
		bits := DecodeUint64(registers, endian)
		return math.Float64frombits(bits), nil
	default:
		return nil, ErrUnknownFormat
	}
}
