package estimator

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/avsync/pkg/correlate"
	"github.com/xaionaro-go/avsync/pkg/onset"
	"github.com/xaionaro-go/avsync/pkg/waveform"
	"github.com/xaionaro-go/observability"
	"gonum.org/v1/gonum/stat"
)

const (
	// DefaultSegments splits the template into this many independent
	// estimates; a single segment corrupted by silence or clipping is
	// diluted by the other nine instead of dominating the mean.
	DefaultSegments = 10

	// DefaultScoreThreshold is the envelope NCC score above which the
	// envelope lag is trusted over the phase lag.
	DefaultScoreThreshold = 0.7

	// minEnvelopeFrames is the shortest segment envelope worth
	// correlating. Below this there is too little onset structure for
	// the NCC score to discriminate lags, so the phase lag is used
	// directly, the same way it is for an empty envelope.
	minEnvelopeFrames = 8
)

// SegmentEstimator fuses phase- and envelope-domain lags per template
// segment and averages the segment estimates.
//
// Fusion policy: the envelope lag wins when its NCC score reaches
// ScoreThreshold and the segment envelope is long enough to carry
// usable onset structure; otherwise the phase lag serves as the
// fallback (sustained tones, near-silence, very short segments).
type SegmentEstimator struct {
	Segments       int
	ScoreThreshold float64
	// Workers bounds the segment worker pool. 0 means GOMAXPROCS.
	Workers int

	Phase    *correlate.PhaseCorrelator
	Envelope *correlate.EnvelopeCorrelator
	Onset    *onset.Extractor
}

var _ WindowEstimator = (*SegmentEstimator)(nil)

func NewSegmentEstimator() *SegmentEstimator {
	return &SegmentEstimator{
		Segments:       DefaultSegments,
		ScoreThreshold: DefaultScoreThreshold,
		Phase:          correlate.NewPhaseCorrelator(),
		Envelope:       correlate.NewEnvelopeCorrelator(),
		Onset:          onset.NewExtractor(),
	}
}

// Estimate returns the fused offset of the template within the search
// clip. Both clips are expected to be conditioned already and to share
// a sample rate.
func (e *SegmentEstimator) Estimate(
	ctx context.Context,
	template, search *waveform.Clip,
) (Estimate, error) {
	if template.SampleRate != search.SampleRate {
		return Estimate{}, fmt.Errorf("sample rates disagree: template=%d search=%d", template.SampleRate, search.SampleRate)
	}

	segments, err := template.Partition(e.Segments)
	if err != nil {
		return Estimate{}, fmt.Errorf("cannot partition the template: %w", err)
	}

	// The search envelope is shared read-only by every worker.
	searchEnv, err := e.Onset.Extract(ctx, search)
	if err != nil {
		return Estimate{}, fmt.Errorf("cannot extract the search onset envelope: %w", err)
	}

	lags := make([]float64, len(segments))
	scores := make([]float64, len(segments))
	errs := make([]error, len(segments))

	workers := e.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(segments) {
		workers = len(segments)
	}

	// Each worker owns the result slots of the segments it picks up;
	// the only synchronization is the final join.
	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		observability.Go(ctx, func() {
			defer wg.Done()
			for idx := range jobs {
				lags[idx], scores[idx], errs[idx] = e.estimateSegment(ctx, segments[idx], search, searchEnv)
			}
		})
	}
	for idx := range segments {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	var mErr *multierror.Error
	for idx, err := range errs {
		if err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("segment %d: %w", idx, err))
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return Estimate{}, err
	}

	result := Estimate{
		OffsetSeconds: stat.Mean(lags, nil),
		SourceCount:   len(lags),
		Confidence:    stat.Mean(scores, nil),
	}
	logger.Debugf(ctx, "segment estimate: offset=%.6fs confidence=%.3f over %d segments (lags: %v)",
		result.OffsetSeconds, result.Confidence, result.SourceCount, lags)
	return result, nil
}

// estimateSegment produces one scalar lag for a single template
// segment. The raw lag of either method locates the segment within the
// search clip; subtracting the segment's position inside the template
// turns it into an estimate of the whole template's offset, which is
// what makes the per-segment estimates directly averageable.
func (e *SegmentEstimator) estimateSegment(
	ctx context.Context,
	seg waveform.Segment,
	search *waveform.Clip,
	searchEnv *onset.Envelope,
) (lag float64, score float64, _ error) {
	phase, _, err := e.Phase.Correlate(ctx, seg.Samples(), search.Samples, search.SampleRate)
	if err != nil {
		return 0, 0, fmt.Errorf("phase correlation failed: %w", err)
	}
	chosenLag := phase.Lag - seg.StartSeconds()
	chosen := phase

	// The envelope is extracted from a hop-aligned view of the segment:
	// a start that is not a hop multiple would shift the segment's frame
	// grid against the search envelope's and bias every envelope lag by
	// up to one hop.
	envSeg := seg
	if e.Onset.HopSize > 0 {
		envSeg.Start = (seg.Start / e.Onset.HopSize) * e.Onset.HopSize
	}
	segClip := &waveform.Clip{Samples: envSeg.Samples(), SampleRate: seg.Clip.SampleRate}
	segEnv, err := e.Onset.Extract(ctx, segClip)
	if err != nil {
		return 0, 0, fmt.Errorf("cannot extract the segment onset envelope: %w", err)
	}

	if len(segEnv.Values) >= minEnvelopeFrames {
		env, err := e.Envelope.Correlate(ctx, segEnv, searchEnv)
		if err != nil {
			return 0, 0, fmt.Errorf("envelope correlation failed: %w", err)
		}
		if env.Score >= e.ScoreThreshold {
			chosenLag = env.Lag - envSeg.StartSeconds()
			chosen = env
		}
	}
	logger.Debugf(ctx, "segment at %.2fs: method=%v lag=%.6fs score=%.3f",
		seg.StartSeconds(), chosen.Method, chosenLag, chosen.Score)

	return chosenLag, chosen.Score, nil
}
