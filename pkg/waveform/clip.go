// Package waveform defines the in-memory audio representation shared by
// the whole pipeline: a mono clip of float64 samples at a fixed sample
// rate, and cheap non-owning views into it.
package waveform

import (
	"fmt"
	"time"
)

// Clip is a mono PCM waveform. It is treated as immutable once produced:
// every stage either reads it or derives a new Clip from it.
type Clip struct {
	Samples    []float64
	SampleRate int
}

// NewClip validates the sample rate and wraps the samples without copying.
func NewClip(samples []float64, sampleRate int) (*Clip, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive: got %d", sampleRate)
	}
	return &Clip{Samples: samples, SampleRate: sampleRate}, nil
}

// Duration returns the clip length in wall-clock time.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

// Segment is a contiguous view into a Clip's samples. It does not own
// the underlying storage, so partitioning a template clip allocates
// nothing.
type Segment struct {
	Clip  *Clip
	Start int
	Len   int
}

// Samples returns the viewed sample range.
func (s Segment) Samples() []float64 {
	return s.Clip.Samples[s.Start : s.Start+s.Len]
}

// StartSeconds returns the segment's position within its clip.
func (s Segment) StartSeconds() float64 {
	return float64(s.Start) / float64(s.Clip.SampleRate)
}

// Partition splits the clip into n equal-length, non-overlapping
// segments. Samples that do not divide evenly are dropped from the tail,
// matching the behavior of correlating only complete segments.
func (c *Clip) Partition(n int) ([]Segment, error) {
	if n < 1 {
		return nil, fmt.Errorf("segment count must be at least 1: got %d", n)
	}
	if n > len(c.Samples) {
		return nil, fmt.Errorf("segment count %d exceeds clip length %d, would produce empty segments", n, len(c.Samples))
	}
	segLen := len(c.Samples) / n
	segments := make([]Segment, n)
	for i := range segments {
		segments[i] = Segment{Clip: c, Start: i * segLen, Len: segLen}
	}
	return segments, nil
}
