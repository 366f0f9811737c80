package correlate

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noise is deterministic so the recovered lags are stable across runs.
func noise(n int, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = r.Float64()*2 - 1
	}
	return out
}

func TestPhaseCorrelatorValidation(t *testing.T) {
	ctx := context.Background()
	p := NewPhaseCorrelator()

	t.Run("empty template", func(t *testing.T) {
		_, _, err := p.Correlate(ctx, nil, noise(100, 0), 16000)
		assert.Error(t, err)
	})

	t.Run("empty search", func(t *testing.T) {
		_, _, err := p.Correlate(ctx, noise(100, 0), nil, 16000)
		assert.Error(t, err)
	})

	t.Run("bad sample rate", func(t *testing.T) {
		_, _, err := p.Correlate(ctx, noise(100, 0), noise(100, 1), 0)
		assert.Error(t, err)
	})
}

func TestPhaseCorrelatorRecoversShift(t *testing.T) {
	const (
		sampleRate = 16000
		tplLen     = 4000
	)
	ctx := context.Background()
	p := NewPhaseCorrelator()

	search := noise(16000, 1)
	for _, shift := range []int{0, 1, 500, 2345, 11000} {
		template := search[shift : shift+tplLen]
		result, curve, err := p.Correlate(ctx, template, search, sampleRate)
		require.NoError(t, err)
		require.NotEmpty(t, curve)

		wantLag := float64(shift) / float64(sampleRate)
		assert.InDeltaf(t, wantLag, result.Lag, 1.0/float64(sampleRate), "shift %d", shift)
		assert.Greaterf(t, result.Score, 0.1, "shift %d", shift)
		assert.Equal(t, MethodPhase, result.Method)
	}
}

func TestPhaseCorrelatorAmplitudeInvariance(t *testing.T) {
	const sampleRate = 16000
	ctx := context.Background()
	p := NewPhaseCorrelator()

	search := noise(16000, 2)
	template := make([]float64, 4000)
	copy(template, search[3000:7000])

	loud, _, err := p.Correlate(ctx, template, search, sampleRate)
	require.NoError(t, err)

	// Scale the search signal down hard: the Phase Transform discards
	// magnitudes, so the winning lag must not move.
	quiet := make([]float64, len(search))
	for i, v := range search {
		quiet[i] = v * 0.01
	}
	faint, _, err := p.Correlate(ctx, template, quiet, sampleRate)
	require.NoError(t, err)

	assert.InDelta(t, loud.Lag, faint.Lag, 1e-9)
}

func TestPhaseCorrelatorMaxLag(t *testing.T) {
	const sampleRate = 16000
	ctx := context.Background()

	// The true peak sits at 0.5s; a 0.1s lag window must keep the
	// reported lag inside the window regardless.
	search := noise(24000, 3)
	template := search[8000:12000]

	p := &PhaseCorrelator{
		InterpolationFactor: DefaultInterpolationFactor,
		MaxLagSeconds:       0.1,
	}
	result, _, err := p.Correlate(ctx, template, search, sampleRate)
	require.NoError(t, err)
	assert.LessOrEqual(t, math.Abs(result.Lag), 0.1+1.0/float64(sampleRate))
}

func TestPhaseCorrelatorSilentInput(t *testing.T) {
	ctx := context.Background()
	p := NewPhaseCorrelator()

	result, curve, err := p.Correlate(ctx, make([]float64, 1000), make([]float64, 4000), 16000)
	require.NoError(t, err)
	assert.Zero(t, result.Lag)
	assert.Zero(t, result.Score)
	assert.Empty(t, curve)
}

func TestPhaseCorrelatorNoInterpolation(t *testing.T) {
	const sampleRate = 16000
	ctx := context.Background()
	p := &PhaseCorrelator{InterpolationFactor: 1}

	search := noise(16000, 4)
	template := search[1234:5234]

	result, _, err := p.Correlate(ctx, template, search, sampleRate)
	require.NoError(t, err)
	assert.InDelta(t, 1234.0/float64(sampleRate), result.Lag, 1.0/float64(sampleRate))
}

func BenchmarkPhaseCorrelator_Correlate(b *testing.B) {
	ctx := context.Background()
	p := NewPhaseCorrelator()

	sizes := []int{1000, 10000, 100000}
	for _, n := range sizes {
		b.Run(fmt.Sprintf("size-%d", n), func(b *testing.B) {
			search := make([]float64, n)
			for i := range search {
				search[i] = math.Sin(float64(i) * 0.1)
			}
			template := make([]float64, n/2)
			copy(template, search[n/10:])

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _, err := p.Correlate(ctx, template, search, 16000)
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
