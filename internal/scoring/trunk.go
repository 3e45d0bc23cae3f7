package scoring

import (
	"math/rand"

	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/encoder"
)

// TrunkSpec lists the optional stages between the flattened encoder output
// and the final projection. Dropout on the flattened input always runs.
type TrunkSpec struct {
	// Intermediate projects seq_len*hidden down to seq_len.
	Intermediate bool
	// Conv applies a kernel-3 convolution after the intermediate projection.
	Conv          bool
	ReLU          bool
	SecondDropout bool
}

// TrunkFor returns the trunk of a single-head variant.
func TrunkFor(kind Kind) TrunkSpec {
	switch kind {
	case KindBase:
		return TrunkSpec{Intermediate: true, Conv: true, ReLU: true, SecondDropout: true}
	case KindBaseDev:
		return TrunkSpec{Intermediate: true, ReLU: true}
	case KindETS:
		return TrunkSpec{Intermediate: true, ReLU: true, SecondDropout: true}
	case KindMultitask:
		return TrunkSpec{Intermediate: true, SecondDropout: true}
	default:
		return TrunkSpec{}
	}
}

// Trunk is a built TrunkSpec.
type Trunk struct {
	Spec     TrunkSpec
	InWidth  int
	OutWidth int
	Dense    *Dense
	Conv     *Conv1D

	dropIn  *Dropout
	dropMid *Dropout
}

func newTrunk(spec TrunkSpec, c *core, rng *rand.Rand) *Trunk {
	t := &Trunk{
		Spec:     spec,
		InWidth:  c.flatWidth(),
		OutWidth: c.flatWidth(),
		dropIn:   c.newDropout(),
		dropMid:  c.newDropout(),
	}
	if spec.Intermediate {
		t.Dense = NewDense(c.backend, t.InWidth, c.cfg.SeqLength, rng)
		t.OutWidth = c.cfg.SeqLength
		if spec.Conv {
			t.Conv = NewConv1D(c.backend, c.cfg.SeqLength, rng)
		}
	}
	return t
}

// Forward runs the trunk on a [batch, seq_len*hidden] representation.
func (t *Trunk) Forward(backend device.Backend, x device.Tensor) (device.Tensor, error) {
	x = t.dropIn.Forward(backend, x)
	if t.Dense == nil {
		return x, nil
	}

	x, err := t.Dense.Forward(x)
	if err != nil {
		return nil, err
	}
	if t.Conv != nil {
		if x, err = t.Conv.Forward(backend, x); err != nil {
			return nil, err
		}
	}
	if t.Spec.ReLU {
		x.ReLU()
	}
	if t.Spec.SecondDropout {
		x = t.dropMid.Forward(backend, x)
	}
	return x, nil
}

func (t *Trunk) parameters() []encoder.NamedTensor {
	var params []encoder.NamedTensor
	if t.Dense != nil {
		params = append(params, t.Dense.parameters("trunk.dense")...)
	}
	if t.Conv != nil {
		params = append(params, t.Conv.parameters("trunk.conv")...)
	}
	return params
}
