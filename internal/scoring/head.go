package scoring

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/encoder"
)

// Head names shared by variants and reports.
const (
	HeadOverall        = "overall"
	HeadWord           = "word"
	HeadPhoneme        = "phoneme"
	HeadAggregate      = "aggregate"
	HeadSiameseBasic   = "siamese_basic"
	HeadSiameseOverall = "siamese_overall"
	HeadSiameseWord    = "siamese_word"
	HeadSiamesePhoneme = "siamese_phoneme"
)

// LossKind is the per-head loss reduction.
type LossKind int

const (
	LossMSE LossKind = iota
	LossSoftCrossEntropy
)

// HeadSpec describes one prediction head. The sentinel and mask rule travel
// together so a head's loss always masks with the value its labels use.
type HeadSpec struct {
	Name     string
	InWidth  int
	OutWidth int
	LossKind LossKind
	Mask     MaskRule
	Sentinel float64
}

// Head is a HeadSpec bound to a dense projection.
type Head struct {
	Spec  HeadSpec
	Dense *Dense
}

// NewHead creates a head for spec.
func NewHead(backend device.Backend, spec HeadSpec, rng *rand.Rand) *Head {
	return &Head{Spec: spec, Dense: NewDense(backend, spec.InWidth, spec.OutWidth, rng)}
}

// Forward projects x ([batch, InWidth]) to a [batch, OutWidth] float64 output.
func (h *Head) Forward(x device.Tensor) (*mat.Dense, error) {
	y, err := h.Dense.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", h.Spec.Name, err)
	}
	return toDense(y), nil
}

// Loss reduces out against target with the head's loss kind and mask. Targets
// with the right number of elements in another layout are reshaped to the
// output's dims first.
func (s HeadSpec) Loss(out, target *mat.Dense) (LossValue, error) {
	r, c := out.Dims()
	t, err := conform(target, r, c)
	if err != nil {
		return LossValue{}, fmt.Errorf("head %s: %w", s.Name, err)
	}
	switch s.LossKind {
	case LossSoftCrossEntropy:
		return SoftCrossEntropy(out, t)
	default:
		return MaskedMSE(out, t, s.Mask, s.Sentinel)
	}
}

// Loss reduces the head's output against target.
func (h *Head) Loss(out, target *mat.Dense) (LossValue, error) {
	return h.Spec.Loss(out, target)
}

func (h *Head) parameters() []encoder.NamedTensor {
	return h.Dense.parameters("heads." + h.Spec.Name)
}

// runHeads evaluates every head on the same representation concurrently.
func runHeads(x device.Tensor, heads []*Head) (map[string]*mat.Dense, error) {
	outs := make([]*mat.Dense, len(heads))
	g, _ := errgroup.WithContext(context.Background())
	for i, h := range heads {
		g.Go(func() error {
			out, err := h.Forward(x)
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[string]*mat.Dense, len(heads))
	for i, h := range heads {
		result[h.Spec.Name] = outs[i]
	}
	return result, nil
}

// toDense copies a device tensor into a float64 matrix.
func toDense(t device.Tensor) *mat.Dense {
	r, c := t.Dims()
	src := t.ToHost()
	data := make([]float64, len(src))
	for i, v := range src {
		data[i] = float64(v)
	}
	return mat.NewDense(r, c, data)
}
