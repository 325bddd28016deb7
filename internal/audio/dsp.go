// Package audio holds the post-processing applied to merged speech:
// peak normalization, silence trimming, anti-alias filtering and linear
// resampling. All functions leave their input untouched.
package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxGain caps NormalizePeak so near-silent input is not blown up.
const MaxGain = 4.0

var ErrInvalidRate = errors.New("audio: sample rate must be positive")

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float64 {
	var m float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > m {
			m = a
		}
	}
	return m
}

// NormalizePeak scales samples by min(MaxGain, target/peak). Empty or silent
// input is returned as is.
func NormalizePeak(samples []float32, target float64) []float32 {
	m := Peak(samples)
	if m == 0 {
		return samples
	}
	gain := math.Min(MaxGain, target/m)
	if math.Abs(gain-1) < 1e-6 {
		return samples
	}
	return Scale(samples, gain)
}

// Scale multiplies every sample by gain into a new slice.
func Scale(samples []float32, gain float64) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) * gain)
	}
	return out
}

// TrimSilence drops leading and trailing samples whose magnitude does not
// exceed threshold, keeping padding samples on each side. A waveform that
// never crosses the threshold is returned whole.
func TrimSilence(samples []float32, threshold float64, padding int) []float32 {
	start, end := -1, -1
	for i, s := range samples {
		if math.Abs(float64(s)) > threshold {
			start = i
			break
		}
	}
	if start < 0 {
		return samples
	}
	for i := len(samples) - 1; i >= start; i-- {
		if math.Abs(float64(samples[i])) > threshold {
			end = i
			break
		}
	}
	if padding < 0 {
		padding = 0
	}
	lo := max(0, start-padding)
	hi := min(len(samples), end+padding+1)
	return samples[lo:hi]
}

// AntiAliasFilter runs a single-pole IIR low-pass with its cutoff at 90% of
// the output Nyquist frequency. It only filters when downsampling.
func AntiAliasFilter(samples []float32, inRate, outRate int) []float32 {
	if inRate <= 0 || outRate <= 0 || outRate >= inRate || len(samples) == 0 {
		return samples
	}
	nyquistIn := float64(inRate) / 2
	cutoff := math.Min(float64(outRate)/2, nyquistIn) * 0.9
	a := math.Exp(-2 * math.Pi * (cutoff / nyquistIn))
	b := 1 - a

	out := make([]float32, len(samples))
	prev := float64(samples[0]) * b
	out[0] = float32(prev)
	for i := 1; i < len(samples); i++ {
		prev = float64(samples[i])*b + prev*a
		out[i] = float32(prev)
	}
	return out
}

// ResampleLinear converts samples from inRate to outRate by linear
// interpolation. The result has exactly floor(len*outRate/inRate) samples.
func ResampleLinear(samples []float32, inRate, outRate int) []float32 {
	if inRate == outRate || inRate <= 0 || outRate <= 0 || len(samples) == 0 {
		return samples
	}
	ratio := float64(outRate) / float64(inRate)
	n := int(math.Floor(float64(len(samples)) * ratio))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) / ratio
		i0 := int(math.Floor(pos))
		if i0 > last {
			i0 = last
		}
		i1 := min(last, i0+1)
		frac := pos - float64(i0)
		out[i] = float32(float64(samples[i0])*(1-frac) + float64(samples[i1])*frac)
	}
	return out
}

// Options configures Process.
type Options struct {
	PeakTarget    float64
	TrimThreshold float64
	TrimPadding   time.Duration
	// TargetRate of zero keeps the input rate.
	TargetRate int
}

// DefaultOptions mirrors the synthesis defaults.
func DefaultOptions() Options {
	return Options{
		PeakTarget:    0.9,
		TrimThreshold: 0.002,
		TrimPadding:   20 * time.Millisecond,
	}
}

// Process applies normalize, trim, anti-alias (when downsampling) and
// resample in that order. It returns the processed samples and their rate.
func Process(samples []float32, rate int, opts Options) ([]float32, int, error) {
	if rate <= 0 {
		return nil, 0, fmt.Errorf("input rate %d: %w", rate, ErrInvalidRate)
	}
	if opts.TargetRate < 0 {
		return nil, 0, fmt.Errorf("target rate %d: %w", opts.TargetRate, ErrInvalidRate)
	}
	for _, s := range samples {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, 0, errors.New("audio: waveform contains non-finite samples")
		}
	}

	out := NormalizePeak(samples, opts.PeakTarget)
	out = TrimSilence(out, opts.TrimThreshold, PaddingSamples(rate, opts.TrimPadding))

	target := opts.TargetRate
	if target == 0 || target == rate {
		return out, rate, nil
	}
	if target < rate {
		out = AntiAliasFilter(out, rate, target)
	}
	return ResampleLinear(out, rate, target), target, nil
}

// PaddingSamples converts a duration to a sample count at rate, rounding down.
func PaddingSamples(rate int, d time.Duration) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int(int64(rate) * int64(d) / int64(time.Second))
}

// Silence returns d worth of zero samples at rate.
func Silence(rate int, d time.Duration) []float32 {
	return make([]float32, PaddingSamples(rate, d))
}

// Concat joins waveforms end to end.
func Concat(parts ...[]float32) []float32 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float32, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
