package audio

// MixInto adds the int16 little-endian samples of src onto dst in place,
// clamping each sum to the int16 range. Only the overlapping prefix of the two
// buffers is mixed; a trailing odd byte is ignored.
func MixInto(dst, src []byte) {
	n := min(len(dst), len(src)) &^ 1
	for i := 0; i < n; i += 2 {
		a := int32(int16(dst[i]) | int16(dst[i+1])<<8)
		b := int32(int16(src[i]) | int16(src[i+1])<<8)
		sum := a + b

		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}

		dst[i] = byte(sum)
		dst[i+1] = byte(sum >> 8)
	}
}

// Int16sToBytes converts int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 PCM samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
