package checkpoint

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-autograder/internal/device"
)

func params(b device.Backend, scale float32) map[string]device.Tensor {
	return map[string]device.Tensor{
		"heads.overall.weight": b.NewTensor(2, 3, []float32{1, 2, 3, 4, 5, 6}),
		"heads.overall.bias":   b.NewTensor(1, 3, []float32{0.5, -0.5, 0.25}),
		"trunk.dense.weight":   b.NewTensor(2, 2, []float32{scale, scale, scale, scale}),
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	b := device.NewCPUBackend()
	src := params(b, 7)

	for _, p := range []Precision{FP32, FP16} {
		t.Run(string(p), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.ckpt")
			require.NoError(t, SaveFile(path, src, p))

			dst := params(b, 0)
			report, err := Restore(path, dst, true)
			require.NoError(t, err)
			assert.True(t, report.Clean())
			assert.Len(t, report.Loaded, 3)

			// All values are exactly representable in half precision
			for name, want := range src {
				assert.Equal(t, want.ToHost(), dst[name].ToHost(), name)
			}
		})
	}
}

func TestNewSnapshot_FP16ClampsOverflow(t *testing.T) {
	b := device.NewCPUBackend()
	s := NewSnapshot(map[string]device.Tensor{
		"w": b.NewTensor(1, 3, []float32{1e6, -1e6, 0.1}),
	}, FP16)

	got := s.Tensors["w"].Values()
	assert.Equal(t, float32(65504), got[0])
	assert.Equal(t, float32(-65504), got[1])
	assert.InDelta(t, 0.1, got[2], 1e-3)
	assert.Nil(t, s.Tensors["w"].F32)
}

func TestApply_NonStrict(t *testing.T) {
	b := device.NewCPUBackend()
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, map[string]device.Tensor{
		"heads.overall.weight": b.NewTensor(4, 3, nil), // different shape
		"heads.overall.bias":   b.NewTensor(1, 3, []float32{9, 9, 9}),
		"old.head.weight":      b.NewTensor(1, 1, []float32{1}),
	}, FP32))

	s, err := Load(&buf)
	require.NoError(t, err)

	dst := params(b, 3)
	report, err := s.Apply(dst, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"heads.overall.bias"}, report.Loaded)
	assert.Equal(t, []string{"trunk.dense.weight"}, report.Missing)
	assert.Equal(t, []string{"old.head.weight"}, report.Unexpected)
	assert.Equal(t, []string{"heads.overall.weight"}, report.Mismatched)
	assert.False(t, report.Clean())

	assert.Equal(t, []float32{9, 9, 9}, dst["heads.overall.bias"].ToHost())
	// Skipped parameters keep their values
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, dst["heads.overall.weight"].ToHost())
	assert.Equal(t, []float32{3, 3, 3, 3}, dst["trunk.dense.weight"].ToHost())
}

func TestApply_StrictLeavesParamsUntouched(t *testing.T) {
	b := device.NewCPUBackend()
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, map[string]device.Tensor{
		"heads.overall.bias": b.NewTensor(1, 3, []float32{9, 9, 9}),
	}, FP32))
	s, err := Load(&buf)
	require.NoError(t, err)

	dst := params(b, 3)
	_, err = s.Apply(dst, true)
	assert.ErrorIs(t, err, ErrStrictLoad)
	assert.Equal(t, []float32{0.5, -0.5, 0.25}, dst["heads.overall.bias"].ToHost())
}

func TestLoad_Errors(t *testing.T) {
	t.Run("Garbage", func(t *testing.T) {
		_, err := Load(bytes.NewReader([]byte{0xff, 0x00}))
		assert.Error(t, err)
	})

	t.Run("FutureVersion", func(t *testing.T) {
		data, err := cbor.Marshal(Snapshot{Version: formatVersion + 1, Precision: FP32})
		require.NoError(t, err)
		_, err = Load(bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("WrongElementCount", func(t *testing.T) {
		data, err := cbor.Marshal(Snapshot{
			Version: formatVersion,
			Tensors: map[string]Tensor{"w": {Rows: 2, Cols: 2, F32: []float32{1}}},
		})
		require.NoError(t, err)
		_, err = Load(bytes.NewReader(data))
		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})
}

func TestParsePrecision(t *testing.T) {
	p, err := ParsePrecision("fp16")
	require.NoError(t, err)
	assert.Equal(t, FP16, p)

	p, err = ParsePrecision("")
	require.NoError(t, err)
	assert.Equal(t, FP32, p)

	_, err = ParsePrecision("int8")
	assert.Error(t, err)
}
