// Package bits extracts unsigned bit fields from packed sensor frames.
// Sensor packets pack channel values at arbitrary bit widths (14 bits per
// channel in the legacy layout), so byte-aligned decoding is not enough.
package bits

// Scanner reads consecutive bit fields from a byte buffer, MSB first within
// each byte. The zero value is not usable; construct with NewScanner.
type Scanner struct {
	data   []byte
	offset int // bit offset from the start of data
}

func NewScanner(data []byte) *Scanner {
	return &Scanner{data: data}
}

// Remaining returns the number of unread bits.
func (s *Scanner) Remaining() int {
	return len(s.data)*8 - s.offset
}

// Skip advances the scanner by n bits. Skipping past the end saturates.
func (s *Scanner) Skip(n int) {
	s.offset += n
	if max := len(s.data) * 8; s.offset > max {
		s.offset = max
	}
}

// Seek positions the scanner at an absolute bit offset.
func (s *Scanner) Seek(bitOffset int) {
	s.offset = bitOffset
	if max := len(s.data) * 8; s.offset > max {
		s.offset = max
	}
}

// Uint reads the next n bits (n <= 32) as an unsigned integer. It reports
// false when fewer than n bits remain; the scanner does not advance in that
// case.
func (s *Scanner) Uint(n int) (uint32, bool) {
	if n < 0 || n > 32 || s.Remaining() < n {
		return 0, false
	}
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := s.offset / 8
		bitIdx := 7 - s.offset%8
		v <<= 1
		v |= uint32(s.data[byteIdx]>>bitIdx) & 1
		s.offset++
	}
	return v, true
}

// UintAt reads n bits at an absolute bit offset without moving the scanner.
func (s *Scanner) UintAt(bitOffset, n int) (uint32, bool) {
	saved := s.offset
	s.offset = bitOffset
	v, ok := s.Uint(n)
	s.offset = saved
	return v, ok
}

// Int24BE interprets three bytes as a big-endian two's complement 24-bit
// integer. Analog front ends ship conversion results in this form.
func Int24BE(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}
