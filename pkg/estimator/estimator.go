// Package estimator turns the per-method lag estimators into a robust
// offset estimate: a template clip is split into independent segments,
// each segment's phase-domain and envelope-domain lags are fused by a
// confidence threshold, and the segment estimates are averaged. For
// long files the same machinery is stepped across the overlapping
// duration in fixed-size windows and the window estimates are averaged
// again.
package estimator

// Estimate is the final artifact of the pipeline.
type Estimate struct {
	// OffsetSeconds is the estimated delay of the reference content
	// within the comparison material.
	OffsetSeconds float64
	// SourceCount is the number of independent estimates (segments or
	// windows) averaged into OffsetSeconds.
	SourceCount int
	// Confidence is the mean score of the winning method across the
	// averaged estimates.
	Confidence float64
	// Partial marks an estimate built from fewer windows than planned
	// because the caller canceled mid-run. Still a valid mean of the
	// windows that did complete.
	Partial bool
}

// AlignedStart returns the absolute position in the comparison file
// that plays simultaneously with referenceStart in the reference file.
func (e Estimate) AlignedStart(referenceStart, comparisonStart float64) float64 {
	return comparisonStart + e.OffsetSeconds - referenceStart
}
