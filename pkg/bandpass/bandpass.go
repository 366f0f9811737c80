// Package bandpass band-limits a waveform before correlation. The
// filter is a 4th-order Butterworth response applied forward and then
// backward, so the two passes' phase shifts cancel and the group delay
// is exactly zero. Any phase distortion here would show up directly as
// a bias in the measured lag, which is why the zero-phase property is
// non-negotiable.
package bandpass

import (
	"context"
	"fmt"
	"math"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/avsync/pkg/waveform"
)

const (
	// DefaultLowHz and DefaultHighHz bound the telephone voice band.
	// It suppresses low-frequency rumble (traffic, handling noise,
	// camera motors) and high-frequency hiss while keeping the
	// speech structure that actually correlates between recordings.
	DefaultLowHz  = 300
	DefaultHighHz = 3400
)

// Butterworth cascade Q values for a 4th-order response split into two
// biquad sections (poles at ±22.5° and ±67.5° on the unit circle).
var butterworthQ4 = [2]float64{0.54119610, 1.30656296}

// Conditioner applies the zero-phase band-limiting filter.
type Conditioner struct {
	LowHz  float64
	HighHz float64
}

// NewConditioner returns a Conditioner for the default voice band.
func NewConditioner() *Conditioner {
	return &Conditioner{
		LowHz:  DefaultLowHz,
		HighHz: DefaultHighHz,
	}
}

// Apply returns a new clip of identical length containing only the
// [LowHz, HighHz] band of the input.
func (c *Conditioner) Apply(ctx context.Context, clip *waveform.Clip) (*waveform.Clip, error) {
	if clip.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive: got %d", clip.SampleRate)
	}
	nyquist := float64(clip.SampleRate) / 2
	if c.LowHz <= 0 {
		return nil, fmt.Errorf("low cutoff must be positive: got %vHz", c.LowHz)
	}
	if c.LowHz >= c.HighHz {
		return nil, fmt.Errorf("low cutoff %vHz must be below high cutoff %vHz", c.LowHz, c.HighHz)
	}
	if c.HighHz >= nyquist {
		return nil, fmt.Errorf("high cutoff %vHz must be below the Nyquist frequency %vHz", c.HighHz, nyquist)
	}
	logger.Debugf(ctx, "band-limiting %d samples to %v-%vHz at %dHz", len(clip.Samples), c.LowHz, c.HighHz, clip.SampleRate)
	if len(clip.Samples) == 0 {
		return waveform.NewClip(nil, clip.SampleRate)
	}

	// Two high-pass and two low-pass sections give the 4th-order
	// Butterworth band edges on each side.
	sections := []biquad{
		newHighpass(c.LowHz, float64(clip.SampleRate), butterworthQ4[0]),
		newHighpass(c.LowHz, float64(clip.SampleRate), butterworthQ4[1]),
		newLowpass(c.HighHz, float64(clip.SampleRate), butterworthQ4[0]),
		newLowpass(c.HighHz, float64(clip.SampleRate), butterworthQ4[1]),
	}

	// The cascade starts from zero state, so the signal is extended by
	// odd reflection at both ends and the extensions are cut off again
	// afterwards; otherwise the start-up transient of each pass would
	// leak into the clip edges.
	padLen := edgePadLen
	if padLen > len(clip.Samples)-1 {
		padLen = len(clip.Samples) - 1
	}
	if padLen < 0 {
		padLen = 0
	}
	ext := padReflect(clip.Samples, padLen)

	// Forward pass, then backward pass over the already-filtered
	// signal. Each section is stateful, so fresh state per direction.
	filterCascade(ext, sections)
	reverse(ext)
	filterCascade(ext, sections)
	reverse(ext)

	out := make([]float64, len(clip.Samples))
	copy(out, ext[padLen:padLen+len(clip.Samples)])

	return waveform.NewClip(out, clip.SampleRate)
}

// edgePadLen covers a few time constants of the slowest (low-edge)
// section at the sample rates in use.
const edgePadLen = 256

// padReflect extends the signal at both ends by odd reflection about
// the end points, keeping the extension continuous in value and slope.
func padReflect(samples []float64, padLen int) []float64 {
	ext := make([]float64, 0, len(samples)+2*padLen)
	first := samples[0]
	for i := padLen; i >= 1; i-- {
		ext = append(ext, 2*first-samples[i])
	}
	ext = append(ext, samples...)
	last := samples[len(samples)-1]
	for i := 1; i <= padLen; i++ {
		ext = append(ext, 2*last-samples[len(samples)-1-i])
	}
	return ext
}

// biquad is a single second-order IIR section with normalized a0.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// newLowpass computes RBJ cookbook low-pass coefficients.
func newLowpass(cutoffHz, sampleRate, q float64) biquad {
	w0 := 2 * math.Pi * cutoffHz / sampleRate
	cosw0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosw0) / 2 / a0,
		b1: (1 - cosw0) / a0,
		b2: (1 - cosw0) / 2 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// newHighpass computes RBJ cookbook high-pass coefficients.
func newHighpass(cutoffHz, sampleRate, q float64) biquad {
	w0 := 2 * math.Pi * cutoffHz / sampleRate
	cosw0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosw0) / 2 / a0,
		b1: -(1 + cosw0) / a0,
		b2: (1 + cosw0) / 2 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// filterCascade runs the sections over the buffer in place, direct
// form II transposed, zero initial state.
func filterCascade(buf []float64, sections []biquad) {
	for _, s := range sections {
		var z1, z2 float64
		for i, x := range buf {
			y := s.b0*x + z1
			z1 = s.b1*x - s.a1*y + z2
			z2 = s.b2*x - s.a2*y
			buf[i] = y
		}
	}
}

func reverse(buf []float64) {
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
}
