package solana

import "fmt"

// appendShortvecLen appends n in the compact-u16 encoding used by the
// transaction wire format: 7 bits per byte, high bit set while more bytes
// follow.
func appendShortvecLen(buf []byte, n int) []byte {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// decodeShortvecLen reads a compact-u16 length from data, returning the value
// and the number of bytes consumed.
func decodeShortvecLen(data []byte) (int, int, error) {
	var value, shift uint
	for i := 0; i < 3; i++ {
		if i >= len(data) {
			return 0, 0, fmt.Errorf("short buffer decoding compact length")
		}
		b := data[i]
		value |= uint(b&0x7f) << shift
		if b&0x80 == 0 {
			return int(value), i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("compact length exceeds u16 range")
}
