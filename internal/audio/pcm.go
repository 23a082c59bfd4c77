package audio

import "encoding/binary"

// DecodePCM16 converts little-endian PCM16 bytes to int16 samples.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// EncodePCM16 converts int16 samples to little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
