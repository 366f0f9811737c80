// Package onset derives a low-rate onset-strength envelope from a
// waveform: the half-wave-rectified frame-to-frame increase in
// log-magnitude spectral energy, summed across bins and lightly
// smoothed. The envelope survives re-encoding, gain differences and
// differing recording gear far better than the raw samples do, which
// makes it the robust counterpart to phase correlation.
package onset

import (
	"context"
	"fmt"
	"math"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
	"github.com/xaionaro-go/avsync/pkg/waveform"
)

const (
	DefaultFrameSize = 1024
	DefaultHopSize   = 512

	// DefaultSmoothWidth is the moving-average width applied to the
	// raw flux. Keeps single-bin FFT jitter from creating spurious
	// local maxima without blurring real onsets.
	DefaultSmoothWidth = 3
)

// Envelope is an onset-strength time series: one non-negative value per
// analysis frame. Hop and SampleRate convert envelope-domain lags back
// to seconds.
type Envelope struct {
	Values     []float64
	Hop        int
	SampleRate int
}

// SecondsPerFrame returns the time step between envelope values.
func (e *Envelope) SecondsPerFrame() float64 {
	return float64(e.Hop) / float64(e.SampleRate)
}

// Extractor computes onset envelopes. The zero value is not usable; use
// NewExtractor.
type Extractor struct {
	FrameSize   int
	HopSize     int
	SmoothWidth int
}

func NewExtractor() *Extractor {
	return &Extractor{
		FrameSize:   DefaultFrameSize,
		HopSize:     DefaultHopSize,
		SmoothWidth: DefaultSmoothWidth,
	}
}

// Extract computes the onset envelope of the clip. A clip shorter than
// one frame yields an empty envelope rather than an error: the caller
// decides whether an empty correlation input is a problem.
func (e *Extractor) Extract(ctx context.Context, clip *waveform.Clip) (*Envelope, error) {
	if e.FrameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive: got %d", e.FrameSize)
	}
	if e.HopSize <= 0 {
		return nil, fmt.Errorf("hop size must be positive: got %d", e.HopSize)
	}
	if clip.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive: got %d", clip.SampleRate)
	}

	numFrames := 0
	if len(clip.Samples) >= e.FrameSize {
		numFrames = 1 + (len(clip.Samples)-e.FrameSize)/e.HopSize
	}
	logger.Debugf(ctx, "extracting onset envelope: %d samples -> %d frames (frame=%d hop=%d)",
		len(clip.Samples), numFrames, e.FrameSize, e.HopSize)

	values := make([]float64, numFrames)
	if numFrames == 0 {
		return &Envelope{Values: values, Hop: e.HopSize, SampleRate: clip.SampleRate}, nil
	}

	hann := window.Hann(e.FrameSize)
	numBins := e.FrameSize/2 + 1
	prev := make([]float64, numBins)
	cur := make([]float64, numBins)
	frame := make([]float64, e.FrameSize)

	for t := 0; t < numFrames; t++ {
		offset := t * e.HopSize
		for i := range frame {
			frame[i] = clip.Samples[offset+i] * hann[i]
		}
		spectrum := fft.FFTReal(frame)

		for k := 0; k < numBins; k++ {
			re := real(spectrum[k])
			im := imag(spectrum[k])
			// log1p keeps silence at exactly zero and compresses
			// loud frames so no single bin dominates the flux.
			cur[k] = math.Log1p(math.Hypot(re, im))
		}

		if t > 0 {
			var flux float64
			for k := 0; k < numBins; k++ {
				if d := cur[k] - prev[k]; d > 0 {
					flux += d
				}
			}
			values[t] = flux
		}
		prev, cur = cur, prev
	}

	return &Envelope{
		Values:     smooth(values, e.SmoothWidth),
		Hop:        e.HopSize,
		SampleRate: clip.SampleRate,
	}, nil
}

// smooth applies a centered moving average of the given width.
func smooth(values []float64, width int) []float64 {
	if width <= 1 || len(values) == 0 {
		return values
	}
	half := width / 2
	out := make([]float64, len(values))
	for i := range values {
		lo := max(i-half, 0)
		hi := min(i+half, len(values)-1)
		var sum float64
		for j := lo; j <= hi; j++ {
			sum += values[j]
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}
