package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-autograder/internal/device"
)

func testConfig() Config {
	return Config{
		VocabSize:             100,
		HiddenSize:            16,
		NumHiddenLayers:       1,
		NumAttentionHeads:     2,
		IntermediateSize:      32,
		MaxPositionEmbeddings: 10,
		LayerNormEps:          1e-12,
	}
}

func rowsOf(t *testing.T, out *Output, example int) []float32 {
	t.Helper()
	all := out.LastHiddenState.ToHost()
	_, hidden := out.LastHiddenState.Dims()
	stride := out.SeqLen * hidden
	return all[example*stride : (example+1)*stride]
}

func TestBertModel_Encode(t *testing.T) {
	config := testConfig()
	m := NewBertModel(config)

	out, err := m.Encode(Input{InputIDs: [][]int{{1, 2, 3}, {4, 5, 6}}})
	require.NoError(t, err)

	r, c := out.LastHiddenState.Dims()
	assert.Equal(t, 6, r)
	assert.Equal(t, config.HiddenSize, c)
	assert.Equal(t, 2, out.BatchSize)
	assert.Equal(t, 3, out.SeqLen)
	assert.False(t, out.LastHiddenState.HasNaN())
}

func TestBertModel_BatchIndependence(t *testing.T) {
	m := NewBertModel(testConfig())

	single, err := m.Encode(Input{InputIDs: [][]int{{7, 8, 9}}})
	require.NoError(t, err)
	pair, err := m.Encode(Input{InputIDs: [][]int{{7, 8, 9}, {1, 1, 1}}})
	require.NoError(t, err)

	want := rowsOf(t, single, 0)
	got := rowsOf(t, pair, 0)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4)
	}
}

func TestBertModel_MaskedPositionsIgnored(t *testing.T) {
	m := NewBertModel(testConfig())
	mask := [][]int{{1, 1, 1, 0}}

	a, err := m.Encode(Input{InputIDs: [][]int{{5, 6, 7, 0}}, AttentionMask: mask})
	require.NoError(t, err)
	b, err := m.Encode(Input{InputIDs: [][]int{{5, 6, 7, 42}}, AttentionMask: mask})
	require.NoError(t, err)

	// Only the unpadded positions are compared; the padded one has its own input.
	hidden := m.HiddenSize()
	ra := rowsOf(t, a, 0)[:3*hidden]
	rb := rowsOf(t, b, 0)[:3*hidden]
	for i := range ra {
		assert.InDelta(t, ra[i], rb[i], 1e-4)
	}
}

func TestBertModel_EncodeErrors(t *testing.T) {
	m := NewBertModel(testConfig())

	tests := []struct {
		name string
		in   Input
		err  error
	}{
		{"empty", Input{}, ErrShapeMismatch},
		{"ragged", Input{InputIDs: [][]int{{1, 2}, {1}}}, ErrShapeMismatch},
		{"mask rows", Input{InputIDs: [][]int{{1, 2}}, AttentionMask: [][]int{{1, 1}, {1, 1}}}, ErrShapeMismatch},
		{"mask width", Input{InputIDs: [][]int{{1, 2}}, AttentionMask: [][]int{{1}}}, ErrShapeMismatch},
		{"too long", Input{InputIDs: [][]int{make([]int, 11)}}, ErrShapeMismatch},
		{"negative id", Input{InputIDs: [][]int{{1, -1}}}, ErrTokenOutOfRange},
		{"id past vocab", Input{InputIDs: [][]int{{100}}}, ErrTokenOutOfRange},
		{"waveform", Input{Waveforms: [][]float32{{1, 2}}}, ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Encode(tt.in)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBertModel_Parameters(t *testing.T) {
	config := testConfig()
	m := NewBertModel(config)
	params := m.Parameters()

	// 5 embedding tensors + 16 per layer
	assert.Len(t, params, 5+16*config.NumHiddenLayers)

	w, ok := params["encoder.layer.0.intermediate.dense.weight"]
	require.True(t, ok)
	r, c := w.Dims()
	assert.Equal(t, config.HiddenSize, r)
	assert.Equal(t, config.IntermediateSize, c)
}

func TestConfig(t *testing.T) {
	t.Run("Presets", func(t *testing.T) {
		for _, name := range []string{"bert-tiny", "bert-base", "distilbert-base", "audio-base", "wav2vec2-base"} {
			c, err := Preset(name)
			require.NoError(t, err, name)
			assert.NoError(t, c.Validate(), name)
		}
		_, err := Preset("gpt")
		assert.Error(t, err)
	})

	t.Run("Validate", func(t *testing.T) {
		c := testConfig()
		c.NumAttentionHeads = 3
		assert.Error(t, c.Validate())

		c = testConfig()
		c.VocabSize = 0
		assert.Error(t, c.Validate())
	})

	t.Run("New", func(t *testing.T) {
		enc, err := New(testConfig(), device.NewCPUBackend())
		require.NoError(t, err)
		assert.IsType(t, &BertModel{}, enc)

		enc, err = New(testAudioConfig(), device.NewCPUBackend())
		require.NoError(t, err)
		assert.IsType(t, &AudioModel{}, enc)

		bad := testConfig()
		bad.HiddenSize = 0
		_, err = New(bad, device.NewCPUBackend())
		assert.Error(t, err)
	})
}
