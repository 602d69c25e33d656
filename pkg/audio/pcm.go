package audio

import "math"

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Scale16 multiplies every little-endian int16 sample of pcm by factor in
// place, saturating at the int16 range. A trailing odd byte is left as is.
func Scale16(pcm []byte, factor float64) {
	if factor == 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		v := s * factor
		var out int16
		switch {
		case v <= math.MinInt16:
			out = math.MinInt16
		case v >= math.MaxInt16:
			out = math.MaxInt16
		default:
			out = int16(v)
		}
		pcm[i] = byte(out)
		pcm[i+1] = byte(out >> 8)
	}
}
