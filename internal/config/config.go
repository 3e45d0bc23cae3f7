// Package config loads the TOML run configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/23skdu/longbow-autograder/internal/checkpoint"
	"github.com/23skdu/longbow-autograder/internal/encoder"
	"github.com/23skdu/longbow-autograder/internal/scoring"
)

//go:embed sample_config.toml
var sampleConfig string

// Model sizes the scoring variant.
type Model struct {
	Kind             string  `toml:"kind"`
	SeqLength        int     `toml:"seq_length"`
	NumOutputs       int     `toml:"num_outputs"`
	WordOutputs      int     `toml:"word_outputs"`
	WordSeqLength    int     `toml:"word_seq_length"`
	PhonemeSeqLength int     `toml:"phoneme_seq_length"`
	Dropout          float64 `toml:"dropout"`
	Seed             int64   `toml:"seed"`
}

// Encoder selects and loads the encoder.
type Encoder struct {
	Preset      string `toml:"preset"`
	VocabPath   string `toml:"vocab_path"`
	WeightsPath string `toml:"weights_path"`
	FrameSize   int    `toml:"frame_size"`
	CacheSize   int    `toml:"cache_size"`
}

// Loss holds the default loss configuration for scoring calls.
type Loss struct {
	Alpha      float64 `toml:"alpha"`
	Val        bool    `toml:"val"`
	Degenerate string  `toml:"degenerate"`
}

// Checkpoint configures warm start and saving.
type Checkpoint struct {
	Path      string `toml:"path"`
	Strict    bool   `toml:"strict"`
	Precision string `toml:"precision"`
}

// Config is the full run configuration.
type Config struct {
	Model      Model      `toml:"model"`
	Encoder    Encoder    `toml:"encoder"`
	Loss       Loss       `toml:"loss"`
	Checkpoint Checkpoint `toml:"checkpoint"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	m := scoring.DefaultConfig(scoring.KindBase)
	s := scoring.DefaultConfig(scoring.KindSpeech)
	return Config{
		Model: Model{
			Kind:             scoring.KindBase.String(),
			SeqLength:        m.SeqLength,
			NumOutputs:       m.NumOutputs,
			WordOutputs:      s.WordOutputs,
			WordSeqLength:    s.WordSeqLength,
			PhonemeSeqLength: s.PhonemeSeqLength,
			Dropout:          m.DropoutRate,
			Seed:             m.Seed,
		},
		Encoder: Encoder{Preset: "bert-base"},
		Loss:    Loss{Alpha: 1, Degenerate: scoring.DegenerateZero.String()},
		Checkpoint: Checkpoint{
			Precision: string(checkpoint.FP32),
		},
	}
}

// Load parses the file at path over Default and validates the result. A
// missing file is not an error; exists reports whether one was read.
func Load(path string) (*Config, bool, error) {
	cfg := Default()
	if path == "" {
		return &cfg, false, cfg.Validate()
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &cfg, false, cfg.Validate()
		}
		return nil, false, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, true, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, true, err
	}
	return &cfg, true, nil
}

// CreateSample writes the commented sample configuration to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.ScoringConfig(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if _, err := c.EncoderConfig(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	if c.Encoder.CacheSize < 0 {
		return fmt.Errorf("encoder: cache_size must not be negative")
	}
	if _, err := c.LossConfig(); err != nil {
		return fmt.Errorf("loss: %w", err)
	}
	if _, err := checkpoint.ParsePrecision(c.Checkpoint.Precision); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// ScoringConfig converts the [model] section.
func (c *Config) ScoringConfig() (scoring.Config, error) {
	kind, err := scoring.ParseKind(c.Model.Kind)
	if err != nil {
		return scoring.Config{}, err
	}
	cfg := scoring.Config{
		Kind:             kind,
		SeqLength:        c.Model.SeqLength,
		NumOutputs:       c.Model.NumOutputs,
		WordOutputs:      c.Model.WordOutputs,
		WordSeqLength:    c.Model.WordSeqLength,
		PhonemeSeqLength: c.Model.PhonemeSeqLength,
		DropoutRate:      c.Model.Dropout,
		Seed:             c.Model.Seed,
	}
	return cfg, cfg.Validate()
}

// EncoderConfig resolves the [encoder] preset with overrides.
func (c *Config) EncoderConfig() (encoder.Config, error) {
	cfg, err := encoder.Preset(c.Encoder.Preset)
	if err != nil {
		return encoder.Config{}, err
	}
	if c.Encoder.FrameSize > 0 {
		cfg.FrameSize = c.Encoder.FrameSize
	}
	return cfg, cfg.Validate()
}

// LossConfig converts the [loss] section.
func (c *Config) LossConfig() (scoring.LossConfig, error) {
	policy, err := scoring.ParseDegeneratePolicy(c.Loss.Degenerate)
	if err != nil {
		return scoring.LossConfig{}, err
	}
	return scoring.LossConfig{Alpha: c.Loss.Alpha, Val: c.Loss.Val, Degenerate: policy}, nil
}
