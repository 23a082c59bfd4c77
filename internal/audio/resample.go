package audio

// Telephony and AI-side sample rates. The bridge only ever converts between
// these two, so the resampler is specialized to the exact 2:3 ratio rather
// than carrying a general interpolation filter.
const (
	TelephonyRate = 16000
	AIRate        = 24000
)

// Upsample16To24 converts 16 kHz PCM16 to 24 kHz by deterministic sample
// repetition: every output index maps to input index i*2/3, so each pair of
// input samples yields three output samples ([a, a, b]). The output length is
// exactly len(in)*3/2 (floor), preserving the 2:3 ratio with no filtering.
func Upsample16To24(in []int16) []int16 {
	outLen := len(in) * 3 / 2
	out := make([]int16, outLen)
	for i := range out {
		out[i] = in[i*2/3]
	}
	return out
}

// Upsample8To16 converts 8 kHz PCM16 (G.711 decode output) to 16 kHz by
// repeating each sample.
func Upsample8To16(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Downsample24To16 converts 24 kHz PCM16 to 16 kHz by block decimation:
// every output index maps to input index i*3/2, keeping two of every three
// input samples. The output length is exactly len(in)*2/3 (floor).
func Downsample24To16(in []int16) []int16 {
	outLen := len(in) * 2 / 3
	out := make([]int16, outLen)
	for i := range out {
		out[i] = in[i*3/2]
	}
	return out
}
