package bits

import (
	"testing"
)

func TestScannerUint(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		widths []int
		want   []uint32
	}{
		{
			name:   "byte aligned",
			data:   []byte{0xAB, 0xCD},
			widths: []int{8, 8},
			want:   []uint32{0xAB, 0xCD},
		},
		{
			name:   "nibbles",
			data:   []byte{0xAB},
			widths: []int{4, 4},
			want:   []uint32{0xA, 0xB},
		},
		{
			name:   "14 bit fields",
			data:   []byte{0xFF, 0xFF, 0xFF, 0xFF},
			widths: []int{14, 14},
			want:   []uint32{0x3FFF, 0x3FFF},
		},
		{
			name:   "cross byte boundary",
			data:   []byte{0b10110101, 0b01100011},
			widths: []int{3, 7, 6},
			want:   []uint32{0b101, 0b1010101, 0b100011},
		},
		{
			name:   "32 bit field",
			data:   []byte{0x12, 0x34, 0x56, 0x78},
			widths: []int{32},
			want:   []uint32{0x12345678},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScanner(tt.data)
			for i, w := range tt.widths {
				got, ok := s.Uint(w)
				if !ok {
					t.Fatalf("field %d: unexpected end of data", i)
				}
				if got != tt.want[i] {
					t.Errorf("field %d: got %#x, want %#x", i, got, tt.want[i])
				}
			}
		})
	}
}

func TestScannerShortRead(t *testing.T) {
	s := NewScanner([]byte{0xFF})
	if _, ok := s.Uint(9); ok {
		t.Error("expected failure reading 9 bits from 1 byte")
	}
	// failed read must not advance
	if s.Remaining() != 8 {
		t.Errorf("remaining = %d, want 8", s.Remaining())
	}
	if v, ok := s.Uint(8); !ok || v != 0xFF {
		t.Errorf("got %#x/%v, want 0xff/true", v, ok)
	}
	if _, ok := s.Uint(1); ok {
		t.Error("expected failure at end of data")
	}
}

func TestUintAt(t *testing.T) {
	s := NewScanner([]byte{0x0F, 0xF0})
	if _, ok := s.Uint(4); !ok {
		t.Fatal("seek read failed")
	}
	v, ok := s.UintAt(4, 8)
	if !ok || v != 0xFF {
		t.Errorf("UintAt(4, 8) = %#x/%v, want 0xff/true", v, ok)
	}
	// scanner position untouched
	if s.Remaining() != 12 {
		t.Errorf("remaining = %d, want 12", s.Remaining())
	}
}

func TestInt24BE(t *testing.T) {
	tests := []struct {
		in   []byte
		want int32
	}{
		{[]byte{0x00, 0x00, 0x00}, 0},
		{[]byte{0x00, 0x00, 0x01}, 1},
		{[]byte{0x7F, 0xFF, 0xFF}, 8388607},
		{[]byte{0xFF, 0xFF, 0xFF}, -1},
		{[]byte{0x80, 0x00, 0x00}, -8388608},
	}
	for _, tt := range tests {
		if got := Int24BE(tt.in); got != tt.want {
			t.Errorf("Int24BE(% x) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
