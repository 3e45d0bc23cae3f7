package encoder

import (
	"fmt"

	"github.com/23skdu/longbow-autograder/internal/device"
)

// Config holds the configuration for the transformer encoder.
type Config struct {
	VocabSize             int
	HiddenSize            int
	NumHiddenLayers       int
	NumAttentionHeads     int
	IntermediateSize      int
	MaxPositionEmbeddings int
	LayerNormEps          float32

	// FrameSize is the number of waveform samples per encoder position.
	// Only used by the audio encoder.
	FrameSize int
}

// DefaultBertTinyConfig returns the configuration for BERT-Tiny.
func DefaultBertTinyConfig() Config {
	return Config{
		VocabSize:             30522,
		HiddenSize:            128,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		IntermediateSize:      512,
		MaxPositionEmbeddings: 512,
		LayerNormEps:          1e-12,
	}
}

// DefaultBertBaseConfig returns the configuration for BERT-Base and
// DistilBERT-sized encoders (hidden width 768).
func DefaultBertBaseConfig() Config {
	return Config{
		VocabSize:             30522,
		HiddenSize:            768,
		NumHiddenLayers:       12,
		NumAttentionHeads:     12,
		IntermediateSize:      3072,
		MaxPositionEmbeddings: 512,
		LayerNormEps:          1e-12,
	}
}

// DefaultAudioBaseConfig returns a wav2vec2-base sized audio encoder:
// 16kHz audio framed at 20ms (320 samples) per position.
func DefaultAudioBaseConfig() Config {
	return Config{
		HiddenSize:            768,
		NumHiddenLayers:       12,
		NumAttentionHeads:     12,
		IntermediateSize:      3072,
		MaxPositionEmbeddings: 1024,
		LayerNormEps:          1e-5,
		FrameSize:             320,
	}
}

// Preset resolves a named configuration.
func Preset(name string) (Config, error) {
	switch name {
	case "bert-tiny":
		return DefaultBertTinyConfig(), nil
	case "bert-base", "distilbert-base":
		return DefaultBertBaseConfig(), nil
	case "audio-base", "wav2vec2-base":
		return DefaultAudioBaseConfig(), nil
	default:
		return Config{}, fmt.Errorf("unknown encoder preset: %s", name)
	}
}

// IsAudio reports whether the configuration describes a waveform encoder.
func (c Config) IsAudio() bool {
	return c.FrameSize > 0
}

// New builds the encoder described by config on the given backend.
func New(config Config, backend device.Backend) (Encoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.IsAudio() {
		return NewAudioModelWithBackend(config, backend), nil
	}
	return NewBertModelWithBackend(config, backend), nil
}

// HeadSize returns the per-head attention width.
func (c Config) HeadSize() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// Validate reports configurations the encoder cannot be built from.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 || c.NumHiddenLayers < 0 || c.IntermediateSize <= 0 {
		return fmt.Errorf("encoder: invalid dimensions hidden=%d layers=%d intermediate=%d",
			c.HiddenSize, c.NumHiddenLayers, c.IntermediateSize)
	}
	if c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("encoder: hidden size %d not divisible by %d attention heads",
			c.HiddenSize, c.NumAttentionHeads)
	}
	if c.MaxPositionEmbeddings <= 0 {
		return fmt.Errorf("encoder: max position embeddings must be positive")
	}
	if c.VocabSize <= 0 && c.FrameSize <= 0 {
		return fmt.Errorf("encoder: either vocab size or frame size must be positive")
	}
	return nil
}
