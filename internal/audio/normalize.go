package audio

import "math"

// MaxNormalizeGain caps the gain applied by NormalizeRMS so quiet frames are
// never amplified into clipping.
const MaxNormalizeGain = 4.0

// RMS returns the root-mean-square energy of samples normalized to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// NormalizeRMS scales samples in place toward targetRMS (normalized [0, 1]).
// Gain is capped at MaxNormalizeGain and results are clamped to the int16
// range. A zero targetRMS or a silent frame leaves samples untouched.
func NormalizeRMS(samples []int16, targetRMS float64) {
	if targetRMS <= 0 {
		return
	}
	rms := RMS(samples)
	if rms < 1e-10 {
		return
	}
	gain := targetRMS / rms
	if gain > MaxNormalizeGain {
		gain = MaxNormalizeGain
	}
	for i, s := range samples {
		scaled := float64(s) * gain
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		samples[i] = int16(scaled)
	}
}
