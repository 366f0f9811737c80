package estimator

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/avsync/pkg/bandpass"
	"github.com/xaionaro-go/avsync/pkg/waveform"
	"gonum.org/v1/gonum/stat"
)

const (
	// DefaultTemplateDuration is the length of the template clip cut
	// from the reference file per window, in seconds. The search clip
	// is twice as long so the template can land anywhere inside it.
	DefaultTemplateDuration = 120

	// DefaultStrideSeconds steps the analysis window across long
	// files. One window per hour keeps the work bounded while still
	// averaging many independent estimates.
	DefaultStrideSeconds = 3600
)

// WindowEstimator produces one offset estimate for a pair of
// already-conditioned clips. Implemented by SegmentEstimator.
type WindowEstimator interface {
	Estimate(ctx context.Context, template, search *waveform.Clip) (Estimate, error)
}

// File describes one side of the comparison: a media path, the rough
// start offset configured by the caller, and the file's full duration.
type File struct {
	Path            string
	StartSeconds    float64
	DurationSeconds float64
}

// GlobalAggregator estimates the offset between two long recordings by
// stepping bounded-size analysis windows across their overlapping
// duration and averaging the per-window estimates. Correlating whole
// files at once would be both wasteful and statistically worse than
// averaging many independent bounded windows, and the correlators need
// their inputs to fit in memory anyway.
type GlobalAggregator struct {
	Source      waveform.Source
	Conditioner *bandpass.Conditioner
	Estimator   WindowEstimator

	SampleRate       int
	TemplateDuration float64
	StrideSeconds    float64
}

func NewGlobalAggregator(source waveform.Source) *GlobalAggregator {
	return &GlobalAggregator{
		Source:           source,
		Conditioner:      bandpass.NewConditioner(),
		Estimator:        NewSegmentEstimator(),
		SampleRate:       16000,
		TemplateDuration: DefaultTemplateDuration,
		StrideSeconds:    DefaultStrideSeconds,
	}
}

// Estimate computes the offset of the reference content within the
// comparison file. Any source failure aborts the whole run: silently
// skipping a window would bias the mean without warning. Cancellation
// between windows instead returns the mean of the windows already
// processed, flagged Partial.
func (a *GlobalAggregator) Estimate(
	ctx context.Context,
	reference, comparison File,
) (Estimate, error) {
	if a.SampleRate <= 0 {
		return Estimate{}, fmt.Errorf("sample rate must be positive: got %d", a.SampleRate)
	}
	if a.TemplateDuration <= 0 {
		return Estimate{}, fmt.Errorf("template duration must be positive: got %v", a.TemplateDuration)
	}
	if a.StrideSeconds <= 0 {
		return Estimate{}, fmt.Errorf("stride must be positive: got %v", a.StrideSeconds)
	}

	refRemaining := reference.DurationSeconds - reference.StartSeconds
	compRemaining := comparison.DurationSeconds - comparison.StartSeconds
	overlap := min(refRemaining, compRemaining)
	if overlap <= 0 {
		return Estimate{}, fmt.Errorf("no overlapping duration: %.2fs left in '%s', %.2fs left in '%s'",
			refRemaining, reference.Path, compRemaining, comparison.Path)
	}

	templateDur := a.TemplateDuration
	searchDur := 2 * templateDur
	positions := windowPositions(overlap, searchDur, a.StrideSeconds)
	if len(positions) == 0 {
		// The overlap is shorter than one full window: run a single
		// clamped window instead of giving up.
		positions = []float64{0}
		searchDur = overlap
		templateDur = min(templateDur, overlap/2)
	}
	logger.Debugf(ctx, "aggregating over %d windows (overlap=%.2fs template=%.2fs search=%.2fs stride=%.2fs)",
		len(positions), overlap, templateDur, searchDur, a.StrideSeconds)

	lags := make([]float64, 0, len(positions))
	confidences := make([]float64, 0, len(positions))
	partial := false

	for _, pos := range positions {
		select {
		case <-ctx.Done():
			if len(lags) == 0 {
				return Estimate{}, ctx.Err()
			}
			logger.Debugf(ctx, "canceled after %d of %d windows, returning a partial estimate", len(lags), len(positions))
			partial = true
		default:
		}
		if partial {
			break
		}

		windowEstimate, err := a.estimateWindow(ctx, reference, comparison, pos, templateDur, searchDur)
		if err != nil {
			return Estimate{}, fmt.Errorf("window at %.2fs: %w", pos, err)
		}
		lags = append(lags, windowEstimate.OffsetSeconds)
		confidences = append(confidences, windowEstimate.Confidence)
	}

	result := Estimate{
		OffsetSeconds: stat.Mean(lags, nil),
		SourceCount:   len(lags),
		Confidence:    stat.Mean(confidences, nil),
		Partial:       partial,
	}
	logger.Debugf(ctx, "global estimate: offset=%.6fs confidence=%.3f over %d windows (partial=%v)",
		result.OffsetSeconds, result.Confidence, result.SourceCount, partial)
	return result, nil
}

// estimateWindow loads fresh audio for one analysis window, conditions
// both clips and runs the segment estimator.
func (a *GlobalAggregator) estimateWindow(
	ctx context.Context,
	reference, comparison File,
	pos, templateDur, searchDur float64,
) (Estimate, error) {
	rawTemplate, err := a.Source.Load(ctx, reference.Path, a.SampleRate, reference.StartSeconds+pos, templateDur)
	if err != nil {
		return Estimate{}, fmt.Errorf("cannot load the reference clip: %w", err)
	}
	rawSearch, err := a.Source.Load(ctx, comparison.Path, a.SampleRate, comparison.StartSeconds+pos, searchDur)
	if err != nil {
		return Estimate{}, fmt.Errorf("cannot load the comparison clip: %w", err)
	}

	template, err := a.Conditioner.Apply(ctx, rawTemplate)
	if err != nil {
		return Estimate{}, fmt.Errorf("cannot condition the reference clip: %w", err)
	}
	search, err := a.Conditioner.Apply(ctx, rawSearch)
	if err != nil {
		return Estimate{}, fmt.Errorf("cannot condition the comparison clip: %w", err)
	}

	return a.Estimator.Estimate(ctx, template, search)
}

// windowPositions returns the start offsets of every full analysis
// window that fits in the overlap, stepped at the stride.
func windowPositions(overlap, windowLen, stride float64) []float64 {
	var positions []float64
	for pos := 0.0; pos+windowLen <= overlap; pos += stride {
		positions = append(positions, pos)
	}
	return positions
}
