package bandpass

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/avsync/pkg/waveform"
)

func sine(freq float64, sampleRate, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
	}
	return out
}

func rms(samples []float64) float64 {
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func TestConditionerValidation(t *testing.T) {
	clip, err := waveform.NewClip(make([]float64, 1000), 16000)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		low  float64
		high float64
	}{
		{"high at Nyquist", 300, 8000},
		{"high above Nyquist", 300, 12000},
		{"low above high", 3400, 300},
		{"low equals high", 1000, 1000},
		{"non-positive low", 0, 3400},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &Conditioner{LowHz: tc.low, HighHz: tc.high}
			_, err := c.Apply(ctx, clip)
			assert.Error(t, err)
		})
	}
}

func TestConditionerKeepsLength(t *testing.T) {
	ctx := context.Background()
	c := NewConditioner()
	for _, n := range []int{100, 1000, 16000} {
		clip, err := waveform.NewClip(sine(1000, 16000, n), 16000)
		require.NoError(t, err)
		out, err := c.Apply(ctx, clip)
		require.NoError(t, err)
		assert.Len(t, out.Samples, n)
	}
}

func TestConditionerBandSelectivity(t *testing.T) {
	const (
		sampleRate = 16000
		n          = 16000
	)
	ctx := context.Background()
	c := NewConditioner()

	t.Run("passband survives", func(t *testing.T) {
		clip, err := waveform.NewClip(sine(1000, sampleRate, n), sampleRate)
		require.NoError(t, err)
		out, err := c.Apply(ctx, clip)
		require.NoError(t, err)
		// 1 kHz sits mid-band, so the energy should be nearly intact.
		assert.Greater(t, rms(out.Samples)/rms(clip.Samples), 0.8)
	})

	t.Run("rumble is suppressed", func(t *testing.T) {
		clip, err := waveform.NewClip(sine(50, sampleRate, n), sampleRate)
		require.NoError(t, err)
		out, err := c.Apply(ctx, clip)
		require.NoError(t, err)
		assert.Less(t, rms(out.Samples)/rms(clip.Samples), 0.05)
	})

	t.Run("hiss is suppressed", func(t *testing.T) {
		clip, err := waveform.NewClip(sine(7000, sampleRate, n), sampleRate)
		require.NoError(t, err)
		out, err := c.Apply(ctx, clip)
		require.NoError(t, err)
		assert.Less(t, rms(out.Samples)/rms(clip.Samples), 0.05)
	})
}

func TestConditionerZeroPhase(t *testing.T) {
	// The forward-backward pass must introduce no group delay: an
	// in-band sine should come out aligned with itself. The peak of
	// the cross-correlation against the input must be at lag zero.
	const (
		sampleRate = 16000
		n          = 8000
	)
	ctx := context.Background()
	clip, err := waveform.NewClip(sine(1000, sampleRate, n), sampleRate)
	require.NoError(t, err)

	out, err := NewConditioner().Apply(ctx, clip)
	require.NoError(t, err)

	// Skip the edges where the zero-state transient lives.
	lo, hi := n/4, 3*n/4
	bestLag, bestCorr := 0, math.Inf(-1)
	for lag := -8; lag <= 8; lag++ {
		var corr float64
		for i := lo; i < hi; i++ {
			corr += clip.Samples[i] * out.Samples[i+lag]
		}
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}
	assert.Equal(t, 0, bestLag)
}

func TestConditionerEdgeTransient(t *testing.T) {
	// The filter state starts at zero, which without the reflective
	// extension leaves an attenuated start-up transient at both clip
	// edges. An in-band sine must come out at full amplitude right from
	// the first samples.
	const (
		sampleRate = 16000
		n          = 8000
		edge       = 256
	)
	ctx := context.Background()
	clip, err := waveform.NewClip(sine(1000, sampleRate, n), sampleRate)
	require.NoError(t, err)

	out, err := NewConditioner().Apply(ctx, clip)
	require.NoError(t, err)

	diff := make([]float64, n)
	for i := range diff {
		diff[i] = out.Samples[i] - clip.Samples[i]
	}
	assert.Less(t, rms(diff[:edge]), 0.1*rms(clip.Samples[:edge]))
	assert.Less(t, rms(diff[n-edge:]), 0.1*rms(clip.Samples[n-edge:]))
}

func TestConditionerDoesNotMutateInput(t *testing.T) {
	ctx := context.Background()
	samples := sine(1000, 16000, 1000)
	original := make([]float64, len(samples))
	copy(original, samples)

	clip, err := waveform.NewClip(samples, 16000)
	require.NoError(t, err)
	_, err = NewConditioner().Apply(ctx, clip)
	require.NoError(t, err)
	assert.Equal(t, original, clip.Samples)
}
