package correlate

import (
	"context"
	"fmt"
	"math/cmplx"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/mjibson/go-dsp/fft"
)

const (
	// DefaultInterpolationFactor oversamples the correlation curve by
	// zero-stuffing the cross-power spectrum before inversion, giving
	// lag estimates at 1/factor sample resolution.
	DefaultInterpolationFactor = 4

	// phatEpsilon guards the per-bin magnitude normalization against
	// division by near-zero on silent bands.
	phatEpsilon = 1e-12
)

// PhaseCorrelator estimates the lag between two waveforms with
// GCC-PHAT: the cross-power spectrum is normalized to unit magnitude
// per frequency bin, which discards all amplitude information and keeps
// only phase, making the estimate insensitive to gain and reverberation
// differences between the two recordings.
type PhaseCorrelator struct {
	// InterpolationFactor controls the sub-sample resolution of the
	// lag. 1 disables oversampling.
	InterpolationFactor int
	// MaxLagSeconds truncates the symmetric search window around zero
	// lag. 0 means the whole curve is searched.
	MaxLagSeconds float64
}

func NewPhaseCorrelator() *PhaseCorrelator {
	return &PhaseCorrelator{
		InterpolationFactor: DefaultInterpolationFactor,
	}
}

// Correlate returns the winning lag of template within search, plus the
// centered correlation curve (zero lag at the middle index, lag step
// 1/InterpolationFactor samples).
func (p *PhaseCorrelator) Correlate(
	ctx context.Context,
	template, search []float64,
	sampleRate int,
) (Result, []float64, error) {
	if sampleRate <= 0 {
		return Result{}, nil, fmt.Errorf("sample rate must be positive: got %d", sampleRate)
	}
	if len(template) == 0 || len(search) == 0 {
		return Result{}, nil, fmt.Errorf("cannot correlate empty signals: template=%d search=%d samples", len(template), len(search))
	}
	factor := p.InterpolationFactor
	if factor < 1 {
		factor = 1
	}

	// FFT size: next power of two of (n1 + n2 - 1) to avoid circular
	// convolution artifacts.
	n := 1
	for n < len(template)+len(search)-1 {
		n <<= 1
	}

	ftpl := make([]complex128, n)
	fsearch := make([]complex128, n)
	for i, v := range template {
		ftpl[i] = complex(v, 0)
	}
	for i, v := range search {
		fsearch[i] = complex(v, 0)
	}
	fftTpl := fft.FFT(ftpl)
	fftSearch := fft.FFT(fsearch)

	// Cross-power spectrum with the Phase Transform: every bin is
	// scaled to unit magnitude, so only phase survives. Bins with
	// essentially no energy are zeroed instead of amplified.
	res := make([]complex128, n)
	activeBins := 0
	for i := 0; i < n; i++ {
		prod := fftSearch[i] * cmplx.Conj(fftTpl[i])
		mag := cmplx.Abs(prod)
		if mag > phatEpsilon {
			res[i] = prod / complex(mag+phatEpsilon, 0)
			activeBins++
		}
	}
	if activeBins == 0 {
		// Both signals are degenerate (all-zero); report a zero lag
		// with zero confidence rather than failing, the fusion layer
		// absorbs it.
		logger.Debugf(ctx, "no active frequency bins, degenerate input")
		return Result{Method: MethodPhase}, nil, nil
	}

	// Oversample by zero-stuffing the spectrum: the low half stays at
	// the bottom, the high half moves to the top of the longer
	// spectrum, and the Nyquist bin is split to keep the time-domain
	// result real-valued.
	m := n * factor
	up := res
	if factor > 1 {
		up = make([]complex128, m)
		half := n / 2
		copy(up[:half], res[:half])
		up[half] = res[half] / 2
		up[m-half] = res[half] / 2
		for i := half + 1; i < n; i++ {
			up[m-n+i] = res[i]
		}
	}

	curve := fft.IFFT(up)

	// Center the curve: indices above m/2 are negative lags.
	centered := make([]float64, m)
	for i := range centered {
		centered[i] = cmplx.Abs(curve[(i+m/2)%m])
	}

	// Truncate the symmetric window around zero lag if requested.
	lo, hi := 0, m
	if p.MaxLagSeconds > 0 {
		w := int(p.MaxLagSeconds * float64(sampleRate) * float64(factor))
		if w < 1 {
			w = 1
		}
		if lo = m/2 - w; lo < 0 {
			lo = 0
		}
		if hi = m/2 + w + 1; hi > m {
			hi = m
		}
	}

	maxIdx := lo
	maxVal := -1.0
	for i := lo; i < hi; i++ {
		if centered[i] > maxVal {
			maxVal = centered[i]
			maxIdx = i
		}
	}

	lagSamples := float64(maxIdx-m/2) / float64(factor)
	lag := lagSamples / float64(sampleRate)

	// In a perfect match the peak magnitude is activeBins/m (unit
	// bins, IFFT divides by m), so this normalization maps a perfect
	// match to 1.0.
	score := maxVal * float64(m) / float64(activeBins)
	if score > 1 {
		score = 1
	}
	logger.Debugf(ctx, "phase correlation: lag=%.6fs score=%.3f (peak at %d of %d, %d active bins)",
		lag, score, maxIdx, m, activeBins)

	return Result{Lag: lag, Score: score, Method: MethodPhase}, centered, nil
}
