package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func testAudioConfig() Config {
	return Config{
		HiddenSize:            16,
		NumHiddenLayers:       1,
		NumAttentionHeads:     2,
		IntermediateSize:      32,
		MaxPositionEmbeddings: 8,
		LayerNormEps:          1e-5,
		FrameSize:             4,
	}
}

func ramp(n int, scale float32) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = float32(i%7) * scale
	}
	return w
}

func TestNormalizeWaveform(t *testing.T) {
	w := []float32{1, 2, 3, 4, 5, 6}
	out := NormalizeWaveform(w)

	f64 := make([]float64, len(out))
	for i, v := range out {
		f64[i] = float64(v)
	}
	mean, variance := stat.PopMeanVariance(f64, nil)
	assert.InDelta(t, 0, mean, 1e-5)
	assert.InDelta(t, 1, variance, 1e-4)

	// Input is untouched
	assert.Equal(t, float32(1), w[0])

	silent := NormalizeWaveform(make([]float32, 4))
	for _, v := range silent {
		assert.Equal(t, float32(0), v)
	}
}

func TestAudioModel_Encode(t *testing.T) {
	config := testAudioConfig()
	m := NewAudioModel(config)

	// 16 samples -> 4 frames of 4
	out, err := m.Encode(Input{Waveforms: [][]float32{ramp(16, 0.1), ramp(16, 0.3)}})
	require.NoError(t, err)

	r, c := out.LastHiddenState.Dims()
	assert.Equal(t, 2, out.BatchSize)
	assert.Equal(t, 4, out.SeqLen)
	assert.Equal(t, 8, r)
	assert.Equal(t, config.HiddenSize, c)
	assert.False(t, out.LastHiddenState.HasNaN())
}

func TestAudioModel_EncodeErrors(t *testing.T) {
	m := NewAudioModel(testAudioConfig())

	tests := []struct {
		name string
		in   Input
	}{
		{"text batch", Input{InputIDs: [][]int{{1}}}},
		{"shorter than a frame", Input{Waveforms: [][]float32{{1, 2, 3}}}},
		{"uneven frame counts", Input{Waveforms: [][]float32{ramp(8, 1), ramp(12, 1)}}},
		{"partial trailing frame", Input{Waveforms: [][]float32{ramp(16, 1), ramp(18, 1)}}},
		{"partial frame in first waveform", Input{Waveforms: [][]float32{ramp(17, 1)}}},
		{"too many frames", Input{Waveforms: [][]float32{ramp(40, 1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Encode(tt.in)
			assert.ErrorIs(t, err, ErrShapeMismatch)
		})
	}
}

func TestAudioModel_Parameters(t *testing.T) {
	m := NewAudioModel(testAudioConfig())
	params := m.Parameters()
	assert.Len(t, params, 5+16)

	proj := params["feature_projection.projection.weight"]
	require.NotNil(t, proj)
	r, c := proj.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 16, c)
}
