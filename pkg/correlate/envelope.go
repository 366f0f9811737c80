package correlate

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/avsync/pkg/onset"
	"gonum.org/v1/gonum/dsp/fourier"
)

// nccEpsilon keeps the normalization finite when a window of the search
// signal (or the whole template) is silent. A degenerate window then
// yields a near-zero score instead of a numerical fault.
const nccEpsilon = 1e-8

// EnvelopeCorrelator estimates the lag between two onset envelopes with
// a "valid"-mode normalized cross-correlation: only lags where the
// template fully overlaps the search signal are considered. Template
// and per-lag search window are mean-centered before normalization
// (Pearson correlation); onset envelopes are non-negative and carry a
// large shared baseline, and without the centering that baseline alone
// pushes the score near 1 at arbitrary lags. The winning integer lag is
// refined to a fraction of a frame by a parabolic fit through its
// neighbors.
type EnvelopeCorrelator struct{}

func NewEnvelopeCorrelator() *EnvelopeCorrelator {
	return &EnvelopeCorrelator{}
}

// Correlate returns the lag of the template envelope within the search
// envelope. Both envelopes must share the hop and sample rate.
func (c *EnvelopeCorrelator) Correlate(
	ctx context.Context,
	template, search *onset.Envelope,
) (Result, error) {
	if template.Hop != search.Hop || template.SampleRate != search.SampleRate {
		return Result{}, fmt.Errorf("envelopes disagree on timing: hop %d/%d, sample rate %d/%d",
			template.Hop, search.Hop, template.SampleRate, search.SampleRate)
	}
	m := len(template.Values)
	n := len(search.Values)
	if m == 0 {
		return Result{}, fmt.Errorf("template envelope is empty")
	}
	if n < m {
		return Result{}, fmt.Errorf("search envelope (%d frames) is shorter than the template (%d frames)", n, m)
	}

	ncc := validNCC(template.Values, search.Values)

	maxIdx := 0
	for i, v := range ncc {
		if v > ncc[maxIdx] {
			maxIdx = i
		}
	}

	// Parabolic sub-frame refinement, defined only for interior peaks.
	delta := 0.0
	if maxIdx > 0 && maxIdx < len(ncc)-1 {
		y1, y2, y3 := ncc[maxIdx-1], ncc[maxIdx], ncc[maxIdx+1]
		denom := y1 - 2*y2 + y3
		if math.Abs(denom) > nccEpsilon {
			delta = (y1 - y3) / (2 * denom)
		}
	}

	lag := (float64(maxIdx) + delta) * template.SecondsPerFrame()
	logger.Debugf(ctx, "envelope correlation: lag=%.6fs score=%.3f (frame %d%+.3f of %d)",
		lag, ncc[maxIdx], maxIdx, delta, len(ncc))

	return Result{Lag: lag, Score: ncc[maxIdx], Method: MethodEnvelope}, nil
}

// validNCC computes the valid-mode Pearson cross-correlation of tpl
// against search. The raw dot products come from a real-FFT linear
// correlation; the per-lag window means and energies come from sliding
// sums, so the whole curve costs O(n log n). The centered numerator
// reduces to corr[k] - windowSum*tplMean and the centered window
// energy to windowEnergy - windowSum^2/m, so no per-lag pass over the
// window is needed.
func validNCC(tpl, search []float64) []float64 {
	m := len(tpl)
	n := len(search)
	numValid := n - m + 1

	corr := fftCorrelate(search, tpl)

	var tplSum, tplEnergy float64
	for _, v := range tpl {
		tplSum += v
		tplEnergy += v * v
	}
	tplMean := tplSum / float64(m)
	tplVar := tplEnergy - tplSum*tplSum/float64(m)
	if tplVar < 0 {
		tplVar = 0
	}
	tplNorm := math.Sqrt(tplVar)

	// Sliding sum and sum of squares over search windows of the
	// template's length.
	var windowSum, windowEnergy float64
	for _, v := range search[:m] {
		windowSum += v
		windowEnergy += v * v
	}

	ncc := make([]float64, numValid)
	for k := 0; k < numValid; k++ {
		if k > 0 {
			out := search[k-1]
			in := search[k+m-1]
			windowSum += in - out
			windowEnergy += in*in - out*out
		}
		// Numeric drift can push the running variance slightly below
		// zero on silent stretches.
		windowVar := windowEnergy - windowSum*windowSum/float64(m)
		if windowVar < 0 {
			windowVar = 0
		}
		num := corr[k] - windowSum*tplMean
		ncc[k] = num / (tplNorm*math.Sqrt(windowVar) + nccEpsilon)
	}
	return ncc
}

// fftCorrelate returns the linear cross-correlation
// corr[k] = sum_j search[k+j]*tpl[j] for k in [0, len(search)-len(tpl)].
func fftCorrelate(search, tpl []float64) []float64 {
	numValid := len(search) - len(tpl) + 1

	size := 1
	for size < len(search)+len(tpl)-1 {
		size <<= 1
	}

	padSearch := make([]float64, size)
	padTpl := make([]float64, size)
	copy(padSearch, search)
	copy(padTpl, tpl)

	rfft := fourier.NewFFT(size)
	coeffSearch := rfft.Coefficients(nil, padSearch)
	coeffTpl := rfft.Coefficients(nil, padTpl)

	product := make([]complex128, len(coeffSearch))
	for i := range product {
		product[i] = coeffSearch[i] * cmplx.Conj(coeffTpl[i])
	}

	// gonum's inverse transform is unnormalized.
	full := rfft.Sequence(nil, product)
	out := make([]float64, numValid)
	for i := range out {
		out[i] = full[i] / float64(size)
	}
	return out
}
