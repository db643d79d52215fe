package pipeline

import "encoding/binary"

// BlockSize is the number of samples per transport frame.
const (
	BlockSize  = 4096
	FrameBytes = BlockSize * 2 // PCM16
)

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative by 32767 so both extremes map onto the full int16 range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
