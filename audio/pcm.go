package audio

import (
	"encoding/binary"
	"math"
)

// DecodePCM16 reads little-endian int16 samples from b into dst, growing it as needed.
// A trailing odd byte is ignored.
func DecodePCM16(dst []int16, b []byte) []int16 {
	n := len(b) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return dst
}

// EncodePCM16 appends samples to dst as little-endian int16.
func EncodePCM16(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// Amplitude is the mean absolute sample value of a chunk.
func Amplitude(chunk []int16) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var total float64
	for _, s := range chunk {
		total += math.Abs(float64(s))
	}
	return total / float64(len(chunk))
}
