package scoring

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/encoder"
)

// HeadSubScores names the hierarchical sub-score head.
const HeadSubScores = "sub_scores"

// HierarchicalModel predicts num_outputs-1 sub-scores and aggregates them into
// one score. The overall output is [sub_scores | aggregate].
type HierarchicalModel struct {
	core
	dropout   *Dropout
	SubScores *Head
	Aggregate *Head
	lossSpec  HeadSpec
}

// NewHierarchicalModel builds the variant. cfg must be valid.
func NewHierarchicalModel(cfg Config, enc encoder.Encoder, backend device.Backend) *HierarchicalModel {
	m := &HierarchicalModel{core: newCore(cfg, enc, backend)}
	m.dropout = m.newDropout()
	m.SubScores = NewHead(backend, HeadSpec{
		Name: HeadSubScores, InWidth: m.flatWidth(), OutWidth: cfg.NumOutputs - 1,
	}, m.rng)
	m.Aggregate = NewHead(backend, HeadSpec{
		Name: HeadAggregate, InWidth: cfg.NumOutputs - 1, OutWidth: 1,
	}, m.rng)
	m.lossSpec = HeadSpec{
		Name: HeadOverall, OutWidth: cfg.NumOutputs,
		LossKind: LossMSE, Mask: MaskAbove, Sentinel: MissingScore,
	}
	return m
}

func (m *HierarchicalModel) Forward(batch Batch, targets *TargetBundle, opts ForwardOptions) (*Result, error) {
	defer m.observe(time.Now())

	if err := targets.check(); err != nil {
		return nil, err
	}

	x, err := m.encodeFlat(batch.Input)
	if err != nil {
		return nil, err
	}
	x = m.dropout.Forward(m.backend, x)

	sub, err := m.SubScores.Dense.Forward(x)
	if err != nil {
		return nil, err
	}
	agg, err := m.Aggregate.Dense.Forward(sub)
	if err != nil {
		return nil, err
	}
	subOut, aggOut := toDense(sub), toDense(agg)

	out := aggOut
	if !opts.EvalOutput {
		out = concatColumns(subOut, aggOut)
	}
	res := &Result{
		Output: out,
		Outputs: map[string]*mat.Dense{
			HeadOverall:   out,
			HeadSubScores: subOut,
			HeadAggregate: aggOut,
		},
	}
	if !targets.hasScores() {
		return res, nil
	}

	lv, err := m.lossSpec.Loss(out, targets.Overall)
	if err != nil {
		return nil, err
	}
	res.Loss, err = m.combine([]Term{{Name: HeadOverall, Weight: 1, LossValue: lv}}, opts.Loss)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *HierarchicalModel) Parameters() map[string]device.Tensor {
	return m.parameters(append(m.SubScores.parameters(), m.Aggregate.parameters()...))
}

func concatColumns(a, b *mat.Dense) *mat.Dense {
	r, ac := a.Dims()
	_, bc := b.Dims()
	out := mat.NewDense(r, ac+bc, nil)
	out.Slice(0, r, 0, ac).(*mat.Dense).Copy(a)
	out.Slice(0, r, ac, ac+bc).(*mat.Dense).Copy(b)
	return out
}
