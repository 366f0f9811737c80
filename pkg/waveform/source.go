package waveform

import (
	"context"
)

// Source supplies a mono waveform at a requested sample rate for a given
// time range of a media file. Decoding and resampling are the source's
// problem; the rest of the pipeline only ever sees Clips.
//
// Load is expected to be deterministic for fixed arguments.
type Source interface {
	Load(
		ctx context.Context,
		path string,
		sampleRate int,
		startSeconds float64,
		durationSeconds float64,
	) (*Clip, error)
}

/* for easier copy&paste:

func () Load(
	ctx context.Context,
	path string,
	sampleRate int,
	startSeconds float64,
	durationSeconds float64,
) (*waveform.Clip, error) {
}

*/
