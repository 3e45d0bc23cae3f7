package scoring

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/encoder"
)

// speechHeadSpecs returns the overall, word and phoneme heads reading a
// representation of width in, with the given name prefix.
func speechHeadSpecs(cfg Config, in int, prefix string) []HeadSpec {
	return []HeadSpec{
		{Name: prefix + HeadOverall, InWidth: in, OutWidth: cfg.NumOutputs, LossKind: LossMSE},
		{Name: prefix + HeadWord, InWidth: in, OutWidth: cfg.WordWidth(), LossKind: LossMSE,
			Mask: MaskNotEqual, Sentinel: MissingToken},
		{Name: prefix + HeadPhoneme, InWidth: in, OutWidth: cfg.PhonemeSeqLength, LossKind: LossMSE,
			Mask: MaskNotEqual, Sentinel: MissingToken},
	}
}

func newHeads(backend device.Backend, specs []HeadSpec, c *core) []*Head {
	heads := make([]*Head, len(specs))
	for i, s := range specs {
		heads[i] = NewHead(backend, s, c.rng)
	}
	return heads
}

// SpeechModel scores audio with an overall head plus word-level and
// phoneme-level auxiliary heads on the same flattened representation.
type SpeechModel struct {
	core
	dropout *Dropout
	// Heads are overall, word and phoneme in that order.
	Heads []*Head
}

// NewSpeechModel builds the variant. cfg must be valid.
func NewSpeechModel(cfg Config, enc encoder.Encoder, backend device.Backend) *SpeechModel {
	m := &SpeechModel{core: newCore(cfg, enc, backend)}
	m.dropout = m.newDropout()
	m.Heads = newHeads(backend, speechHeadSpecs(cfg, m.flatWidth(), ""), &m.core)
	return m
}

// speechRepresentation encodes and flattens in, applying dropout unless oneOutput.
func (c *core) speechRepresentation(in encoder.Input, d *Dropout, oneOutput bool) (device.Tensor, error) {
	x, err := c.encodeFlat(in)
	if err != nil {
		return nil, err
	}
	if oneOutput {
		return x, nil
	}
	return d.Forward(c.backend, x), nil
}

func (m *SpeechModel) Forward(batch Batch, targets *TargetBundle, opts ForwardOptions) (*Result, error) {
	defer m.observe(time.Now())

	if err := targets.check(); err != nil {
		return nil, err
	}

	x, err := m.speechRepresentation(batch.Input, m.dropout, opts.OneOutput)
	if err != nil {
		return nil, err
	}
	heads := m.Heads
	if opts.OneOutput {
		heads = heads[:1]
	}
	outs, err := runHeads(x, heads)
	if err != nil {
		return nil, err
	}
	res := &Result{Output: outs[HeadOverall], Outputs: outs}
	if !targets.hasScores() {
		return res, nil
	}

	losses, err := headLosses(heads, outs, targets, "")
	if err != nil {
		return nil, err
	}
	terms := []Term{{Name: HeadOverall, Weight: 1, LossValue: losses[HeadOverall]}}
	if !opts.OneOutput {
		terms = append(terms,
			Term{Name: HeadWord, Weight: opts.Loss.Alpha, TrainOnly: true, LossValue: losses[HeadWord]},
			Term{Name: HeadPhoneme, Weight: opts.Loss.Alpha, TrainOnly: true, LossValue: losses[HeadPhoneme]},
		)
	}
	res.Loss, err = m.combine(terms, opts.Loss)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *SpeechModel) Parameters() map[string]device.Tensor {
	var own []encoder.NamedTensor
	for _, h := range m.Heads {
		own = append(own, h.parameters()...)
	}
	return m.parameters(own)
}

// headLosses computes each head's loss against the bundle element it
// predicts. Head names are matched after stripping prefix.
func headLosses(heads []*Head, outs map[string]*mat.Dense, targets *TargetBundle, prefix string) (map[string]LossValue, error) {
	losses := make(map[string]LossValue, len(heads))
	for _, h := range heads {
		var target *mat.Dense
		switch h.Spec.Name {
		case prefix + HeadOverall, HeadSiameseBasic:
			target = targets.Overall
		case prefix + HeadWord:
			target = targets.Word
		case prefix + HeadPhoneme:
			target = targets.Phoneme
		}
		if target == nil {
			return nil, fmt.Errorf("%w: head %s has no targets", ErrMissingTarget, h.Spec.Name)
		}
		lv, err := h.Loss(outs[h.Spec.Name], target)
		if err != nil {
			return nil, err
		}
		losses[h.Spec.Name] = lv
	}
	return losses, nil
}

// Difference returns primary - paired as a new tensor.
func Difference(backend device.Backend, primary, paired device.Tensor) (device.Tensor, error) {
	pr, pc := primary.Dims()
	qr, qc := paired.Dims()
	if pr != qr || pc != qc {
		return nil, fmt.Errorf("%w: primary is %dx%d, paired is %dx%d", ErrShapeMismatch, pr, pc, qr, qc)
	}
	diff := backend.NewTensor(pr, pc, primary.ToHost())
	diff.Sub(paired)
	return diff, nil
}

// SiameseSpeechModel extends SpeechModel with a second set of heads reading
// the difference between the primary input's representation and that of a
// paired comparison input carried in TargetBundle.Paired.
type SiameseSpeechModel struct {
	SpeechModel
	// SiameseHeads are siamese_overall, siamese_word and siamese_phoneme.
	SiameseHeads []*Head
	// SiameseBasic is the single siamese head used in OneOutput mode.
	SiameseBasic *Head
}

// NewSiameseSpeechModel builds the variant. cfg must be valid.
func NewSiameseSpeechModel(cfg Config, enc encoder.Encoder, backend device.Backend) *SiameseSpeechModel {
	m := &SiameseSpeechModel{SpeechModel: *NewSpeechModel(cfg, enc, backend)}
	in := m.flatWidth()
	m.SiameseHeads = newHeads(backend, speechHeadSpecs(cfg, in, "siamese_"), &m.core)
	m.SiameseBasic = NewHead(backend, HeadSpec{
		Name: HeadSiameseBasic, InWidth: in, OutWidth: cfg.NumOutputs, LossKind: LossMSE,
	}, m.rng)
	return m
}

func (m *SiameseSpeechModel) Forward(batch Batch, targets *TargetBundle, opts ForwardOptions) (*Result, error) {
	defer m.observe(time.Now())

	if err := targets.check(); err != nil {
		return nil, err
	}
	if targets.hasScores() && targets.Paired == nil {
		return nil, fmt.Errorf("%w: siamese scoring needs the paired input", ErrMissingTarget)
	}

	primary, err := m.speechRepresentation(batch.Input, m.dropout, opts.OneOutput)
	if err != nil {
		return nil, err
	}
	heads := m.Heads
	siameseHeads := m.SiameseHeads
	if opts.OneOutput {
		heads = heads[:1]
		siameseHeads = []*Head{m.SiameseBasic}
	}
	outs, err := runHeads(primary, heads)
	if err != nil {
		return nil, err
	}
	res := &Result{Output: outs[HeadOverall], Outputs: outs}
	if targets == nil || targets.Paired == nil {
		return res, nil
	}

	paired, err := m.speechRepresentation(*targets.Paired, m.dropout, opts.OneOutput)
	if err != nil {
		return nil, fmt.Errorf("paired input: %w", err)
	}
	diff, err := Difference(m.backend, primary, paired)
	if err != nil {
		return nil, err
	}
	siameseOuts, err := runHeads(diff, siameseHeads)
	if err != nil {
		return nil, err
	}
	for name, out := range siameseOuts {
		outs[name] = out
	}
	if !targets.hasScores() {
		return res, nil
	}

	full := targets.Len() >= 3
	needed := heads[:1]
	neededSiamese := siameseHeads[:1]
	if full && !opts.OneOutput {
		needed, neededSiamese = heads, siameseHeads
	}
	losses, err := headLosses(needed, outs, targets, "")
	if err != nil {
		return nil, err
	}
	siameseLosses, err := headLosses(neededSiamese, outs, targets, "siamese_")
	if err != nil {
		return nil, err
	}
	for name, lv := range siameseLosses {
		losses[name] = lv
	}
	if opts.OneOutput {
		losses[HeadSiameseOverall] = losses[HeadSiameseBasic]
	}

	res.Loss, err = m.combine(SiameseTerms(opts.OneOutput, targets.Len(), opts.Loss.Alpha, losses), opts.Loss)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *SiameseSpeechModel) Parameters() map[string]device.Tensor {
	var own []encoder.NamedTensor
	for _, h := range m.Heads {
		own = append(own, h.parameters()...)
	}
	for _, h := range m.SiameseHeads {
		own = append(own, h.parameters()...)
	}
	own = append(own, m.SiameseBasic.parameters()...)
	return m.parameters(own)
}

// SiameseTerms lays out the siamese objective for one call. losses is keyed by
// head name; siamese_overall holds the siamese overall loss in both modes.
//
//	bundle < 3:            overall + siamese_overall
//	bundle >= 3, one out:  overall + [train] siamese_overall
//	bundle >= 3, full:     overall + [train] siamese_overall
//	                       + [train] alpha*(word + siamese_word)
//	                       + [train] alpha*(phoneme + siamese_phoneme)
func SiameseTerms(oneOutput bool, bundleLen int, alpha float64, losses map[string]LossValue) []Term {
	if bundleLen < 3 {
		return []Term{
			{Name: HeadOverall, Weight: 1, LossValue: losses[HeadOverall]},
			{Name: HeadSiameseOverall, Weight: 1, LossValue: losses[HeadSiameseOverall]},
		}
	}
	terms := []Term{
		{Name: HeadOverall, Weight: 1, LossValue: losses[HeadOverall]},
		{Name: HeadSiameseOverall, Weight: 1, TrainOnly: true, LossValue: losses[HeadSiameseOverall]},
	}
	if oneOutput {
		return terms
	}
	for _, name := range []string{HeadWord, HeadSiameseWord, HeadPhoneme, HeadSiamesePhoneme} {
		terms = append(terms, Term{Name: name, Weight: alpha, TrainOnly: true, LossValue: losses[name]})
	}
	return terms
}
