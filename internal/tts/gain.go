package tts

import (
	"math"
)

// Sanitize replaces NaN samples with zero in place and returns the peak
// magnitude of the result.
func Sanitize(samples []float32) float64 {
	var peak float64
	for i, s := range samples {
		if math.IsNaN(float64(s)) {
			samples[i] = 0
			continue
		}
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}

// Boost scales samples in place to target/peak. A zero peak is a no-op.
func Boost(samples []float32, peak, target float64) {
	if peak <= 0 {
		return
	}
	gain := target / peak
	for i, s := range samples {
		samples[i] = float32(float64(s) * gain)
	}
}

// StretchNearest changes playback speed by nearest-neighbour sampling:
// the output has floor(len/speed) samples, sample i taken from
// floor(i*speed). Speeds that are zero, negative or one return the input.
func StretchNearest(samples []float32, speed float64) []float32 {
	if speed <= 0 || speed == 1 || len(samples) == 0 {
		return samples
	}
	n := int(math.Floor(float64(len(samples)) / speed))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		src := int(math.Floor(float64(i) * speed))
		if src > last {
			src = last
		}
		out[i] = samples[src]
	}
	return out
}
