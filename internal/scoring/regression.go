package scoring

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/encoder"
)

// RegressionModel is the single-head family: Base, BaseDev, BaseOG, ETS and
// Multitask. They differ in trunk stages and in the overall head's loss.
type RegressionModel struct {
	core
	Trunk *Trunk
	Head  *Head
}

// NewRegressionModel builds a single-head variant. cfg must be valid.
func NewRegressionModel(cfg Config, enc encoder.Encoder, backend device.Backend) *RegressionModel {
	m := &RegressionModel{core: newCore(cfg, enc, backend)}
	m.Trunk = newTrunk(TrunkFor(cfg.Kind), &m.core, m.rng)
	m.Head = NewHead(backend, overallSpec(cfg, m.Trunk.OutWidth), m.rng)
	return m
}

func overallSpec(cfg Config, in int) HeadSpec {
	spec := HeadSpec{Name: HeadOverall, InWidth: in, OutWidth: cfg.NumOutputs, LossKind: LossMSE}
	switch cfg.Kind {
	case KindETS:
		spec.LossKind = LossSoftCrossEntropy
	case KindMultitask:
		spec.Mask = MaskAbove
		spec.Sentinel = MissingScore
	}
	return spec
}

func (m *RegressionModel) Forward(batch Batch, targets *TargetBundle, opts ForwardOptions) (*Result, error) {
	defer m.observe(time.Now())

	if err := targets.check(); err != nil {
		return nil, err
	}

	x, err := m.encodeFlat(batch.Input)
	if err != nil {
		return nil, err
	}
	h, err := m.Trunk.Forward(m.backend, x)
	if err != nil {
		return nil, err
	}
	outs, err := runHeads(h, []*Head{m.Head})
	if err != nil {
		return nil, err
	}

	out := outs[HeadOverall]
	if opts.EvalOutput && m.cfg.Kind == KindMultitask {
		out = lastRow(out)
		outs[HeadOverall] = out
	}
	res := &Result{Output: out, Outputs: outs}
	if !targets.hasScores() {
		return res, nil
	}

	lv, err := m.Head.Loss(out, targets.Overall)
	if err != nil {
		return nil, err
	}
	res.Loss, err = m.combine([]Term{{Name: HeadOverall, Weight: 1, LossValue: lv}}, opts.Loss)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *RegressionModel) Parameters() map[string]device.Tensor {
	return m.parameters(append(m.Trunk.parameters(), m.Head.parameters()...))
}

// lastRow returns the final row of out as a 1xN matrix.
func lastRow(out *mat.Dense) *mat.Dense {
	r, c := out.Dims()
	row := make([]float64, c)
	copy(row, out.RawRowView(r-1))
	return mat.NewDense(1, c, row)
}
