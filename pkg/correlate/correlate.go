// Package correlate implements the two lag estimators the pipeline
// fuses per segment: phase-only cross-correlation (GCC-PHAT) over raw
// waveforms and normalized cross-correlation over onset envelopes.
//
// Both report the lag in seconds under the same convention: a positive
// lag means the template's content appears that many seconds after the
// start of the search signal.
package correlate

// Method identifies which estimator produced a Result.
type Method int

const (
	MethodPhase Method = iota
	MethodEnvelope
)

func (m Method) String() string {
	switch m {
	case MethodPhase:
		return "phase"
	case MethodEnvelope:
		return "envelope"
	default:
		return "unknown"
	}
}

// Result is a single lag estimate with its confidence score.
type Result struct {
	// Lag is the estimated delay of the template within the search
	// signal, in seconds, sub-sample accurate where the estimator
	// supports it.
	Lag float64
	// Score is the normalized correlation magnitude at the winning
	// lag. Phase scores live in [0,1]; envelope scores are NCC values
	// bounded near [-1,1].
	Score float64
	// Method tells which estimator produced this result.
	Method Method
}
