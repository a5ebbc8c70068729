/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package atomicop implements the Portals 4 atomic-operation engine: every
// operator (MIN/MAX/SUM/PROD, logical and bitwise ops, SWAP and its
// conditional/masked variants) applied element-wise across every Portals
// atomic datatype.
//
// Floating-point values are encoded little-endian via encoding/binary, the
// same wire-codec idiom the teacher uses for its own header/timestamp
// encoding (entry/time.go). PTL_LONG_DOUBLE has no native Go
// representation; it is modelled as a float64 held in the low 8 bytes of
// its 16-byte slot, which preserves every value
// exactly representable in a double and keeps the element stride the
// original ABI expects. The *_COMPLEX datatypes are two such reals back to
// back (real, imaginary).
package atomicop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bxi-sim/nicsim/ptl"
)

var (
	// ErrLengthNotMultiple is returned when the buffer length is not a
	// multiple of the datatype's element size.
	ErrLengthNotMultiple = errors.New("atomicop: length is not a multiple of the datatype element size")
	// ErrUnsupportedOp is returned for an (op, datatype) combination the
	// specification declares invalid (e.g. MIN/MAX on a complex type).
	ErrUnsupportedOp = errors.New("atomicop: operator not valid for this datatype")
	// ErrSingleElement is returned when a CSWAP variant is given more than
	// one element's worth of bytes.
	ErrSingleElement = errors.New("atomicop: compare-swap operates on exactly one element")
)

func isComplex(dt ptl.Datatype) bool {
	switch dt {
	case ptl.FloatComplex, ptl.DoubleComplex, ptl.LongDoubleComplex:
		return true
	default:
		return false
	}
}

func isFloating(dt ptl.Datatype) bool {
	switch dt {
	case ptl.Float, ptl.Double, ptl.LongDouble, ptl.FloatComplex, ptl.DoubleComplex, ptl.LongDoubleComplex:
		return true
	default:
		return false
	}
}

func isSigned(dt ptl.Datatype) bool {
	switch dt {
	case ptl.Int8T, ptl.Int16T, ptl.Int32T, ptl.Int64T:
		return true
	default:
		return false
	}
}

func isInteger(dt ptl.Datatype) bool {
	switch dt {
	case ptl.Int8T, ptl.Uint8T, ptl.Int16T, ptl.Uint16T, ptl.Int32T, ptl.Uint32T, ptl.Int64T, ptl.Uint64T:
		return true
	default:
		return false
	}
}

// realWidth returns the width, in bytes, of a single real component of dt
// (i.e. the non-complex width: DoubleComplex's real part is 8 bytes).
func realWidth(dt ptl.Datatype) int {
	switch dt {
	case ptl.Int8T, ptl.Uint8T:
		return 1
	case ptl.Int16T, ptl.Uint16T:
		return 2
	case ptl.Int32T, ptl.Uint32T, ptl.Float, ptl.FloatComplex:
		return 4
	case ptl.Int64T, ptl.Uint64T, ptl.Double, ptl.DoubleComplex:
		return 8
	case ptl.LongDouble, ptl.LongDoubleComplex:
		return 16
	default:
		return 0
	}
}

// Apply runs op across target in place, using operand as the incoming
// value(s) and constant as the comparison/swap constant for SWAP-family
// operators (nil where not needed). It returns a freshly allocated
// snapshot of target's bytes as they were *before* the operation, for use
// by FetchAtomic/Swap response construction.
//
// target and operand must be the same length; constant must be a single
// element for CSWAP-family ops, the same length as target for MSWAP, and
// is ignored otherwise.
func Apply(op ptl.Op, dt ptl.Datatype, target, operand, constant []byte) ([]byte, error) {
	elemSize := dt.ElementSize()
	if elemSize <= 0 {
		return nil, fmt.Errorf("atomicop: unknown datatype %v", dt)
	}
	if len(target) != len(operand) {
		return nil, fmt.Errorf("atomicop: target/operand length mismatch (%d vs %d)", len(target), len(operand))
	}
	if len(target)%elemSize != 0 {
		return nil, ErrLengthNotMultiple
	}

	pre := make([]byte, len(target))
	copy(pre, target)

	switch op {
	case ptl.OpMswap:
		return pre, mswap(target, operand, constant)
	case ptl.OpCswap, ptl.OpCswapNe, ptl.OpCswapLe, ptl.OpCswapLt, ptl.OpCswapGe, ptl.OpCswapGt:
		if len(target) != elemSize {
			return pre, ErrSingleElement
		}
		if len(constant) != elemSize {
			return pre, fmt.Errorf("atomicop: cswap constant must be %d bytes, got %d", elemSize, len(constant))
		}
		return pre, cswap(op, dt, target, operand, constant)
	case ptl.OpSwap:
		copy(target, operand)
		return pre, nil
	}

	n := len(target) / elemSize
	for i := 0; i < n; i++ {
		off := i * elemSize
		if err := applyElement(op, dt, target[off:off+elemSize], operand[off:off+elemSize]); err != nil {
			return pre, err
		}
	}
	return pre, nil
}

func mswap(target, operand, mask []byte) error {
	if len(mask) != len(target) {
		return fmt.Errorf("atomicop: mswap mask length %d does not match buffer length %d", len(mask), len(target))
	}
	for i := range target {
		target[i] = (operand[i] & mask[i]) | (target[i] &^ mask[i])
	}
	return nil
}

func applyElement(op ptl.Op, dt ptl.Datatype, target, operand []byte) error {
	switch op {
	case ptl.OpLor, ptl.OpLand, ptl.OpLxor:
		if !isInteger(dt) {
			return ErrUnsupportedOp
		}
		return logicalOp(op, dt, target, operand)
	case ptl.OpBor, ptl.OpBand, ptl.OpBxor:
		if !isInteger(dt) {
			return ErrUnsupportedOp
		}
		return bitwiseOp(op, target, operand)
	case ptl.OpMin, ptl.OpMax:
		if isComplex(dt) {
			return ErrUnsupportedOp
		}
		return minMaxOp(op, dt, target, operand)
	case ptl.OpSum, ptl.OpProd:
		return arithOp(op, dt, target, operand)
	default:
		return fmt.Errorf("atomicop: unsupported operator %#x", int(op))
	}
}

func bitwiseOp(op ptl.Op, target, operand []byte) error {
	for i := range target {
		switch op {
		case ptl.OpBor:
			target[i] |= operand[i]
		case ptl.OpBand:
			target[i] &= operand[i]
		case ptl.OpBxor:
			target[i] ^= operand[i]
		}
	}
	return nil
}

func asBool(v uint64) bool { return v != 0 }

func logicalOp(op ptl.Op, dt ptl.Datatype, target, operand []byte) error {
	tv := decodeUint(dt, target)
	ov := decodeUint(dt, operand)
	var result bool
	switch op {
	case ptl.OpLor:
		result = asBool(tv) || asBool(ov)
	case ptl.OpLand:
		result = asBool(tv) && asBool(ov)
	case ptl.OpLxor:
		result = asBool(tv) != asBool(ov)
	}
	var out uint64
	if result {
		out = 1
	}
	encodeUint(dt, target, out)
	return nil
}

func decodeUint(dt ptl.Datatype, b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b[:8])
	}
}

func encodeUint(dt ptl.Datatype, b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b[:8], v)
	}
}

func decodeSigned(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	default:
		return int64(binary.LittleEndian.Uint64(b[:8]))
	}
}

func encodeSigned(b []byte, v int64) {
	switch len(b) {
	case 1:
		b[0] = byte(int8(v))
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	default:
		binary.LittleEndian.PutUint64(b[:8], uint64(v))
	}
}

// decodeFloat reads one real component of type dt from b: a float32 for
// Float, otherwise the float64 held in b's low 8 bytes (for LongDouble,
// the low 8 bytes of its 16-byte slot).
func decodeFloat(dt ptl.Datatype, b []byte) float64 {
	switch dt {
	case ptl.Float:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b[:8]))
	}
}

func encodeFloat(dt ptl.Datatype, b []byte, v float64) {
	switch dt {
	case ptl.Float:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	default:
		binary.LittleEndian.PutUint64(b[:8], math.Float64bits(v))
		for i := 8; i < len(b); i++ {
			b[i] = 0
		}
	}
}

func minMaxOp(op ptl.Op, dt ptl.Datatype, target, operand []byte) error {
	if isFloating(dt) {
		t := decodeFloat(dt, target)
		o := decodeFloat(dt, operand)
		var r float64
		if op == ptl.OpMin {
			r = math.Min(t, o)
		} else {
			r = math.Max(t, o)
		}
		encodeFloat(dt, target, r)
		return nil
	}
	if isSigned(dt) {
		t := decodeSigned(target)
		o := decodeSigned(operand)
		var r int64
		if op == ptl.OpMin {
			if t < o {
				r = t
			} else {
				r = o
			}
		} else {
			if t > o {
				r = t
			} else {
				r = o
			}
		}
		encodeSigned(target, r)
		return nil
	}
	t := decodeUint(dt, target)
	o := decodeUint(dt, operand)
	var r uint64
	if op == ptl.OpMin {
		if t < o {
			r = t
		} else {
			r = o
		}
	} else {
		if t > o {
			r = t
		} else {
			r = o
		}
	}
	encodeUint(dt, target, r)
	return nil
}

func arithOp(op ptl.Op, dt ptl.Datatype, target, operand []byte) error {
	if isComplex(dt) {
		comp := ptl.Double
		switch dt {
		case ptl.FloatComplex:
			comp = ptl.Float
		case ptl.LongDoubleComplex:
			comp = ptl.LongDouble
		}
		half := len(target) / 2
		if err := arithReal(op, comp, target[:half], operand[:half]); err != nil {
			return err
		}
		return arithReal(op, comp, target[half:], operand[half:])
	}
	return arithReal(op, dt, target, operand)
}

func arithReal(op ptl.Op, dt ptl.Datatype, target, operand []byte) error {
	if isFloating(dt) {
		t := decodeFloat(dt, target)
		o := decodeFloat(dt, operand)
		var r float64
		if op == ptl.OpSum {
			r = t + o
		} else {
			r = t * o
		}
		encodeFloat(dt, target, r)
		return nil
	}
	if isSigned(dt) {
		t := decodeSigned(target)
		o := decodeSigned(operand)
		var r int64
		if op == ptl.OpSum {
			r = t + o
		} else {
			r = t * o
		}
		encodeSigned(target, r)
		return nil
	}
	t := decodeUint(dt, target)
	o := decodeUint(dt, operand)
	var r uint64
	if op == ptl.OpSum {
		r = t + o
	} else {
		r = t * o
	}
	encodeUint(dt, target, r)
	return nil
}

// cswap compares target against constant; on a matching comparison it
// replaces target with operand (the swap-in value), per "conditional
// replace based on comparison of target with constant."
func cswap(op ptl.Op, dt ptl.Datatype, target, operand, constant []byte) error {
	var cmp int
	if isFloating(dt) {
		t := decodeFloat(dt, target)
		c := decodeFloat(dt, constant)
		switch {
		case t < c:
			cmp = -1
		case t > c:
			cmp = 1
		default:
			cmp = 0
		}
	} else if isSigned(dt) {
		t := decodeSigned(target)
		c := decodeSigned(constant)
		switch {
		case t < c:
			cmp = -1
		case t > c:
			cmp = 1
		default:
			cmp = 0
		}
	} else {
		t := decodeUint(dt, target)
		c := decodeUint(dt, constant)
		switch {
		case t < c:
			cmp = -1
		case t > c:
			cmp = 1
		default:
			cmp = 0
		}
	}

	matched := false
	switch op {
	case ptl.OpCswap:
		matched = cmp == 0
	case ptl.OpCswapNe:
		matched = cmp != 0
	case ptl.OpCswapLe:
		matched = cmp <= 0
	case ptl.OpCswapLt:
		matched = cmp < 0
	case ptl.OpCswapGe:
		matched = cmp >= 0
	case ptl.OpCswapGt:
		matched = cmp > 0
	}
	if matched {
		copy(target, operand)
	}
	return nil
}
