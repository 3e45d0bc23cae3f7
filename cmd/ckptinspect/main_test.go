package main

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-autograder/internal/checkpoint"
	"github.com/23skdu/longbow-autograder/internal/device"
)

func TestReport(t *testing.T) {
	backend := device.NewCPUBackend()
	snap := checkpoint.NewSnapshot(map[string]device.Tensor{
		"heads.overall.weight": backend.NewTensor(2, 2, []float32{0.1, -0.2, 0.3, 0.4}),
		"heads.overall.bias":   backend.NewTensor(1, 2, []float32{float32(math.NaN()), 0}),
	}, checkpoint.FP32)

	var buf bytes.Buffer
	require.NoError(t, report(&buf, snap, false))

	var got summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 2, got.Tensors)
	assert.Equal(t, 6, got.Elements)
	assert.Equal(t, []string{"heads.overall.bias"}, got.Unhealthy)
	assert.Empty(t, got.Details)

	buf.Reset()
	require.NoError(t, report(&buf, snap, true))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Len(t, got.Details, 2)
}
