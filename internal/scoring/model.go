package scoring

import (
	"fmt"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/encoder"
)

// Kind selects a model variant.
type Kind int

const (
	KindBase Kind = iota
	KindBaseDev
	KindBaseOG
	KindETS
	KindHierarchical
	KindMultitask
	KindSpeech
	KindSiameseSpeech
)

var kindNames = map[Kind]string{
	KindBase:          "base",
	KindBaseDev:       "base_dev",
	KindBaseOG:        "base_og",
	KindETS:           "ets",
	KindHierarchical:  "hierarchical",
	KindMultitask:     "multitask",
	KindSpeech:        "speech",
	KindSiameseSpeech: "siamese_speech",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind resolves a variant name such as "base" or "siamese_speech".
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown model kind: %s", s)
}

// IsSpeech reports whether the variant has word and phoneme heads.
func (k Kind) IsSpeech() bool {
	return k == KindSpeech || k == KindSiameseSpeech
}

// Config sizes a model variant.
type Config struct {
	Kind Kind
	// SeqLength is the fixed number of encoder positions per example.
	SeqLength  int
	NumOutputs int

	// Speech variants only.
	WordOutputs      int
	WordSeqLength    int
	PhonemeSeqLength int

	DropoutRate float64
	Seed        int64
}

// DefaultConfig returns the usual training sizes for kind: 312 audio frames
// for speech variants, 128 tokens otherwise.
func DefaultConfig(kind Kind) Config {
	if kind.IsSpeech() {
		return Config{
			Kind:             kind,
			SeqLength:        312,
			NumOutputs:       1,
			WordOutputs:      3,
			WordSeqLength:    10,
			PhonemeSeqLength: 30,
			DropoutRate:      DefaultDropout,
			Seed:             42,
		}
	}
	return Config{
		Kind:        kind,
		SeqLength:   128,
		NumOutputs:  1,
		DropoutRate: DefaultDropout,
		Seed:        42,
	}
}

// Validate reports sizes a variant cannot be built with.
func (c Config) Validate() error {
	if _, ok := kindNames[c.Kind]; !ok {
		return fmt.Errorf("unknown model kind %d", int(c.Kind))
	}
	if c.SeqLength <= 0 || c.NumOutputs <= 0 {
		return fmt.Errorf("%s: seq length and num outputs must be positive", c.Kind)
	}
	if c.Kind == KindHierarchical && c.NumOutputs < 2 {
		return fmt.Errorf("%s: needs at least 2 outputs (sub-scores plus aggregate)", c.Kind)
	}
	if c.Kind.IsSpeech() && (c.WordOutputs <= 0 || c.WordSeqLength <= 0 || c.PhonemeSeqLength <= 0) {
		return fmt.Errorf("%s: word outputs, word seq length and phoneme seq length must be positive", c.Kind)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return fmt.Errorf("%s: dropout rate %g outside [0, 1)", c.Kind, c.DropoutRate)
	}
	return nil
}

// WordWidth is the word head width (word_outputs * word_seq_length).
func (c Config) WordWidth() int {
	return c.WordOutputs * c.WordSeqLength
}

// ForwardOptions are per-call switches.
type ForwardOptions struct {
	// EvalOutput returns only the aggregate (hierarchical) or the last row
	// (multitask).
	EvalOutput bool
	// OneOutput runs speech variants with the overall head only and no dropout.
	OneOutput bool
	Loss      LossConfig
}

// DefaultForwardOptions uses DefaultLossConfig.
func DefaultForwardOptions() ForwardOptions {
	return ForwardOptions{Loss: DefaultLossConfig()}
}

// Result is the output of one forward call.
type Result struct {
	// Output is the primary overall prediction.
	Output *mat.Dense
	// Outputs holds every computed head output by head name.
	Outputs map[string]*mat.Dense
	// Loss is nil when no targets were supplied.
	Loss *LossReport
}

// Model is a scoring variant: an encoder plus heads and their losses.
type Model interface {
	Forward(batch Batch, targets *TargetBundle, opts ForwardOptions) (*Result, error)
	Parameters() map[string]device.Tensor
	SetTraining(training bool)
	Config() Config
}

// New builds the variant selected by cfg.Kind around enc.
func New(cfg Config, enc encoder.Encoder, backend device.Backend) (Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindHierarchical:
		return NewHierarchicalModel(cfg, enc, backend), nil
	case KindSpeech:
		return NewSpeechModel(cfg, enc, backend), nil
	case KindSiameseSpeech:
		return NewSiameseSpeechModel(cfg, enc, backend), nil
	default:
		return NewRegressionModel(cfg, enc, backend), nil
	}
}

// core is the state every variant shares: config, encoder and train/eval mode.
type core struct {
	cfg     Config
	enc     encoder.Encoder
	backend device.Backend
	mode    *modeState
	rng     *rand.Rand
}

func newCore(cfg Config, enc encoder.Encoder, backend device.Backend) core {
	return core{
		cfg:     cfg,
		enc:     enc,
		backend: backend,
		mode:    newModeState(cfg.Seed),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (c *core) Config() Config {
	return c.cfg
}

// SetTraining switches every dropout stage of the model.
func (c *core) SetTraining(training bool) {
	c.mode.setTraining(training)
}

func (c *core) newDropout() *Dropout {
	return &Dropout{P: c.cfg.DropoutRate, state: c.mode}
}

// flatWidth is seq_len * hidden.
func (c *core) flatWidth() int {
	return c.cfg.SeqLength * c.enc.HiddenSize()
}

// encodeFlat encodes in and flattens the hidden states to [batch, seq_len*hidden].
func (c *core) encodeFlat(in encoder.Input) (device.Tensor, error) {
	if !in.IsAudio() {
		for i, row := range in.InputIDs {
			if len(row) != c.cfg.SeqLength {
				return nil, fmt.Errorf("%w: input_ids row %d has length %d, model expects %d",
					ErrShapeMismatch, i, len(row), c.cfg.SeqLength)
			}
		}
	}
	out, err := c.enc.Encode(in)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	if out.SeqLen != c.cfg.SeqLength {
		return nil, fmt.Errorf("%w: encoder produced %d positions, model expects %d",
			ErrShapeMismatch, out.SeqLen, c.cfg.SeqLength)
	}
	hidden := c.enc.HiddenSize()
	r, h := out.LastHiddenState.Dims()
	if h != hidden || r != out.BatchSize*out.SeqLen {
		return nil, fmt.Errorf("%w: hidden state is %dx%d, want %dx%d",
			ErrShapeMismatch, r, h, out.BatchSize*out.SeqLen, hidden)
	}
	return out.LastHiddenState.Reshape(out.BatchSize, out.SeqLen*hidden), nil
}

// parameters merges encoder parameters (prefixed "encoder.") with own.
func (c *core) parameters(own []encoder.NamedTensor) map[string]device.Tensor {
	encParams := c.enc.Parameters()
	out := make(map[string]device.Tensor, len(encParams)+len(own))
	for name, t := range encParams {
		out["encoder."+name] = t
	}
	for _, p := range own {
		out[p.Name] = p.Tensor
	}
	return out
}

func (c *core) combine(terms []Term, cfg LossConfig) (*LossReport, error) {
	report, err := Combine(terms, cfg)
	if err != nil {
		return nil, err
	}
	logBreakdown(c.cfg.Kind, report, cfg)
	return report, nil
}

func (c *core) observe(start time.Time) {
	ForwardDuration.WithLabelValues(c.cfg.Kind.String()).Observe(time.Since(start).Seconds())
}
