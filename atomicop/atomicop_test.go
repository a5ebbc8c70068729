/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package atomicop

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/bxi-sim/nicsim/ptl"
)

func u64bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func f64bytes(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// TestSumInt64 grounds scenario S2 of the governing specification: SUM of
// int64 40 and 2 must yield 42, and the response buffer must carry the
// pre-op value.
func TestSumInt64(t *testing.T) {
	target := u64bytes(40)
	operand := u64bytes(2)
	pre, err := Apply(ptl.OpSum, ptl.Int64T, target, operand, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := binary.LittleEndian.Uint64(target); got != 42 {
		t.Fatalf("target = %d, want 42", got)
	}
	if got := binary.LittleEndian.Uint64(pre); got != 40 {
		t.Fatalf("pre-op snapshot = %d, want 40", got)
	}
}

// TestProdLongDouble grounds scenario S3: PROD of 23.0 (target) by 3.0
// (operand) must yield 69.0, with the response carrying 23.0.
func TestProdLongDouble(t *testing.T) {
	target := make([]byte, 16)
	binary.LittleEndian.PutUint64(target, math.Float64bits(23.0))
	operand := make([]byte, 16)
	binary.LittleEndian.PutUint64(operand, math.Float64bits(3.0))

	pre, err := Apply(ptl.OpProd, ptl.LongDouble, target, operand, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := math.Float64frombits(binary.LittleEndian.Uint64(target)); got != 69.0 {
		t.Fatalf("target = %v, want 69.0", got)
	}
	if got := math.Float64frombits(binary.LittleEndian.Uint64(pre)); got != 23.0 {
		t.Fatalf("pre-op snapshot = %v, want 23.0", got)
	}
}

// TestSwapLongDouble grounds scenario S4.
func TestSwapLongDouble(t *testing.T) {
	target := make([]byte, 16)
	binary.LittleEndian.PutUint64(target, math.Float64bits(12.0))
	operand := make([]byte, 16)
	binary.LittleEndian.PutUint64(operand, math.Float64bits(42.0))

	pre, err := Apply(ptl.OpSwap, ptl.LongDouble, target, operand, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := math.Float64frombits(binary.LittleEndian.Uint64(target)); got != 42.0 {
		t.Fatalf("target = %v, want 42.0", got)
	}
	if got := math.Float64frombits(binary.LittleEndian.Uint64(pre)); got != 12.0 {
		t.Fatalf("pre-op snapshot = %v, want 12.0", got)
	}
}

func TestCswapVariants(t *testing.T) {
	cases := []struct {
		name     string
		op       ptl.Op
		target   uint64
		constant uint64
		swapIn   uint64
		wantSwap bool
	}{
		{"cswap-eq-match", ptl.OpCswap, 5, 5, 9, true},
		{"cswap-eq-nomatch", ptl.OpCswap, 5, 6, 9, false},
		{"cswap-ne-match", ptl.OpCswapNe, 5, 6, 9, true},
		{"cswap-lt-match", ptl.OpCswapLt, 5, 6, 9, true},
		{"cswap-lt-nomatch", ptl.OpCswapLt, 6, 5, 9, false},
		{"cswap-ge-match", ptl.OpCswapGe, 6, 6, 9, true},
		{"cswap-gt-match", ptl.OpCswapGt, 7, 6, 9, true},
		{"cswap-le-match", ptl.OpCswapLe, 6, 6, 9, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			target := u64bytes(c.target)
			operand := u64bytes(c.swapIn)
			constant := u64bytes(c.constant)
			if _, err := Apply(c.op, ptl.Uint64T, target, operand, constant); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			got := binary.LittleEndian.Uint64(target)
			want := c.target
			if c.wantSwap {
				want = c.swapIn
			}
			if got != want {
				t.Fatalf("target = %d, want %d", got, want)
			}
		})
	}
}

func TestMswap(t *testing.T) {
	target := []byte{0xff, 0x00, 0xff, 0x00}
	operand := []byte{0x00, 0xff, 0x00, 0xff}
	mask := []byte{0x0f, 0x0f, 0x0f, 0x0f}
	if _, err := Apply(ptl.OpMswap, ptl.Uint32T, target, operand, mask); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []byte{0xf0, 0x0f, 0xf0, 0x0f}
	for i := range want {
		if target[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, target[i], want[i])
		}
	}
}

func TestBitwiseAndLogical(t *testing.T) {
	target := u64bytes(0xF0)
	operand := u64bytes(0x0F)
	if _, err := Apply(ptl.OpBor, ptl.Uint64T, target, operand, nil); err != nil {
		t.Fatalf("Apply BOR: %v", err)
	}
	if got := binary.LittleEndian.Uint64(target); got != 0xFF {
		t.Fatalf("BOR result = %#x, want 0xff", got)
	}

	target = u64bytes(1)
	operand = u64bytes(0)
	if _, err := Apply(ptl.OpLand, ptl.Uint64T, target, operand, nil); err != nil {
		t.Fatalf("Apply LAND: %v", err)
	}
	if got := binary.LittleEndian.Uint64(target); got != 0 {
		t.Fatalf("LAND result = %d, want 0", got)
	}
}

func TestMinMaxInvalidOnComplex(t *testing.T) {
	target := make([]byte, 16)
	operand := make([]byte, 16)
	if _, err := Apply(ptl.OpMin, ptl.DoubleComplex, target, operand, nil); err == nil {
		t.Fatalf("expected error for MIN on complex datatype")
	}
}

func TestLengthMustBeElementMultiple(t *testing.T) {
	target := make([]byte, 3)
	operand := make([]byte, 3)
	if _, err := Apply(ptl.OpSum, ptl.Int32T, target, operand, nil); err != ErrLengthNotMultiple {
		t.Fatalf("got %v, want ErrLengthNotMultiple", err)
	}
}

func TestFloatMinMax(t *testing.T) {
	target := f64bytes(10.0)
	operand := f64bytes(3.0)
	if _, err := Apply(ptl.OpMin, ptl.Double, target, operand, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := math.Float64frombits(binary.LittleEndian.Uint64(target)); got != 3.0 {
		t.Fatalf("MIN result = %v, want 3.0", got)
	}
}
