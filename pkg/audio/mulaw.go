package audio

// G.711 μ-law companding. Twilio media streams carry 8 kHz mono μ-law;
// the encoder and decoder below are the reference segment algorithm.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable = func() [256]int16 {
	var t [256]int16
	for i := range 256 {
		u := ^byte(i)
		sign := u & 0x80
		exp := (u >> 4) & 0x07
		mant := u & 0x0F
		v := (int32(mant)<<3 + mulawBias) << exp
		v -= mulawBias
		if sign != 0 {
			v = -v
			if v == 0 {
				// Negative zero: -1 keeps every code distinct so encode(decode(b)) == b.
				v = -1
			}
		}
		t[i] = int16(v)
	}
	return t
}()

// MulawEncodeSample compands a single linear sample.
func MulawEncodeSample(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias
	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mant)
}

// MulawDecodeSample expands a single μ-law byte to linear PCM.
func MulawDecodeSample(b byte) int16 {
	return mulawDecodeTable[b]
}

// MulawEncode converts PCM16 little-endian samples to μ-law bytes.
func MulawEncode(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		out[i] = MulawEncodeSample(sampleAt(pcm, i))
	}
	return out
}

// MulawDecode converts μ-law bytes to PCM16 little-endian samples.
func MulawDecode(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		putSample(out, i, mulawDecodeTable[b])
	}
	return out
}
