package audio

// TelephonyFrameSamples is the telephony chunk size: 320 samples of PCM16 at
// 16 kHz, i.e. one 20 ms frame.
const TelephonyFrameSamples = 320

// Frame splits samples into fixed-size frames. A short final frame is
// zero-padded to frameSize so downstream writers always see full frames.
func Frame(samples []int16, frameSize int) [][]int16 {
	if len(samples) == 0 {
		return nil
	}
	n := (len(samples) + frameSize - 1) / frameSize
	frames := make([][]int16, 0, n)
	for start := 0; start < len(samples); start += frameSize {
		end := start + frameSize
		if end <= len(samples) {
			frames = append(frames, samples[start:end])
			continue
		}
		padded := make([]int16, frameSize)
		copy(padded, samples[start:])
		frames = append(frames, padded)
	}
	return frames
}
