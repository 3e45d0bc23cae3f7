package encoder

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-autograder/internal/device"
)

// waveformEps keeps silent clips from dividing by zero during normalization.
const waveformEps = 1e-7

var _ Encoder = (*AudioModel)(nil)

// AudioModel encodes raw waveforms. Each waveform is normalized to zero mean
// and unit variance, cut into non-overlapping frames of FrameSize samples,
// projected to the hidden width and passed through a transformer stack.
type AudioModel struct {
	Config  Config
	Backend device.Backend

	FrameProjection     device.Tensor
	FrameProjectionBias device.Tensor
	PositionEmbeddings  device.Tensor
	LayerNorm           *LayerNorm
	Encoder             *BertEncoder
}

// NewAudioModel creates an audio encoder on the CPU backend.
func NewAudioModel(config Config) *AudioModel {
	return NewAudioModelWithBackend(config, device.NewCPUBackend())
}

// NewAudioModelWithBackend creates an audio encoder on the given backend.
func NewAudioModelWithBackend(config Config, b device.Backend) *AudioModel {
	if config.LayerNormEps == 0 {
		config.LayerNormEps = 1e-5
	}
	m := &AudioModel{
		Config:              config,
		Backend:             b,
		FrameProjection:     b.NewTensor(config.FrameSize, config.HiddenSize, nil),
		FrameProjectionBias: b.NewTensor(1, config.HiddenSize, nil),
		PositionEmbeddings:  b.NewTensor(config.MaxPositionEmbeddings, config.HiddenSize, nil),
		LayerNorm:           NewLayerNorm(config.HiddenSize, config.LayerNormEps, b),
		Encoder:             NewBertEncoder(config, b),
	}
	xavierInit(m.FrameProjection)
	xavierInit(m.PositionEmbeddings)
	m.Encoder.initWeights()
	return m
}

func (m *AudioModel) HiddenSize() int {
	return m.Config.HiddenSize
}

// Encode frames and encodes a waveform batch. Every waveform must be a whole
// number of frames long, and all of them the same number of frames.
func (m *AudioModel) Encode(in Input) (*Output, error) {
	if !in.IsAudio() {
		return nil, fmt.Errorf("%w: audio encoder received no waveforms", ErrShapeMismatch)
	}
	frameSize := m.Config.FrameSize
	batchSize := len(in.Waveforms)
	numFrames := len(in.Waveforms[0]) / frameSize
	if numFrames == 0 {
		return nil, fmt.Errorf("%w: waveform of %d samples is shorter than one frame (%d)",
			ErrShapeMismatch, len(in.Waveforms[0]), frameSize)
	}
	if numFrames > m.Config.MaxPositionEmbeddings {
		return nil, fmt.Errorf("%w: %d frames exceeds %d positions",
			ErrShapeMismatch, numFrames, m.Config.MaxPositionEmbeddings)
	}
	for i, w := range in.Waveforms {
		if rem := len(w) % frameSize; rem != 0 {
			return nil, fmt.Errorf("%w: waveform %d has %d samples past its last full frame of %d",
				ErrShapeMismatch, i, rem, frameSize)
		}
		if len(w)/frameSize != numFrames {
			return nil, fmt.Errorf("%w: waveform %d yields %d frames, want %d",
				ErrShapeMismatch, i, len(w)/frameSize, numFrames)
		}
	}

	start := time.Now()
	frames := make([]float32, 0, batchSize*numFrames*frameSize)
	for _, w := range in.Waveforms {
		frames = append(frames, NormalizeWaveform(w)...)
	}
	x := m.Backend.NewTensor(batchSize*numFrames, frameSize, frames)

	hidden := project(m.Backend, x, m.FrameProjection, m.FrameProjectionBias)
	hidden.Gelu()
	hidden.Add(m.PositionEmbeddings.Gather(positionIndices(batchSize, numFrames)))
	hidden = m.LayerNorm.Forward(hidden)
	LayerDuration.WithLabelValues("audio_frontend").Observe(time.Since(start).Seconds())

	mask := make([][]int, batchSize)
	for i := range mask {
		mask[i] = ones(numFrames)
	}
	hidden = m.Encoder.ForwardBatch(hidden, batchSize, numFrames, mask)
	return &Output{LastHiddenState: hidden, BatchSize: batchSize, SeqLen: numFrames}, nil
}

// NormalizeWaveform returns a zero-mean, unit-variance copy of w.
func NormalizeWaveform(w []float32) []float32 {
	out := make([]float32, len(w))
	if len(w) == 0 {
		return out
	}
	var sum float64
	for _, v := range w {
		sum += float64(v)
	}
	mean := sum / float64(len(w))

	var varSum float64
	for _, v := range w {
		d := float64(v) - mean
		varSum += d * d
	}
	invStd := 1 / math.Sqrt(varSum/float64(len(w))+waveformEps)

	for i, v := range w {
		out[i] = float32((float64(v) - mean) * invStd)
	}
	return out
}

// OrderedParameters lists every parameter in a fixed order.
func (m *AudioModel) OrderedParameters() []NamedTensor {
	params := []NamedTensor{
		{"feature_projection.projection.weight", m.FrameProjection},
		{"feature_projection.projection.bias", m.FrameProjectionBias},
		{"encoder.pos_embed.weight", m.PositionEmbeddings},
		{"encoder.layer_norm.weight", m.LayerNorm.Gamma},
		{"encoder.layer_norm.bias", m.LayerNorm.Beta},
	}
	return append(params, m.Encoder.orderedParameters("encoder")...)
}

func (m *AudioModel) Parameters() map[string]device.Tensor {
	return toMap(m.OrderedParameters())
}
