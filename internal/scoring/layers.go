package scoring

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/encoder"
)

// DefaultDropout is the dropout probability used by every variant.
const DefaultDropout = 0.3

// modeState is the train/eval flag and random source shared by every dropout
// stage of one model.
type modeState struct {
	mu       sync.Mutex
	training bool
	rng      *rand.Rand
}

func newModeState(seed int64) *modeState {
	return &modeState{rng: rand.New(rand.NewSource(seed))}
}

func (m *modeState) setTraining(training bool) {
	m.mu.Lock()
	m.training = training
	m.mu.Unlock()
}

func (m *modeState) isTraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.training
}

// Dense is a fully connected layer y = xW + b with W stored in x in-by-out.
type Dense struct {
	Weight device.Tensor
	Bias   device.Tensor
	In     int
	Out    int
}

// NewDense creates a Xavier-initialized dense layer.
func NewDense(backend device.Backend, in, out int, rng *rand.Rand) *Dense {
	d := &Dense{
		Weight: backend.NewTensor(in, out, nil),
		Bias:   backend.NewTensor(1, out, nil),
		In:     in,
		Out:    out,
	}
	limit := math.Sqrt(6.0 / float64(in+out))
	w := make([]float32, in*out)
	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	d.Weight.CopyFromFloat32(w)
	return d
}

// Forward returns x*W + b as a new tensor.
func (d *Dense) Forward(x device.Tensor) (device.Tensor, error) {
	_, c := x.Dims()
	if c != d.In {
		return nil, fmt.Errorf("%w: dense layer expects width %d, got %d", ErrShapeMismatch, d.In, c)
	}
	return x.Linear(x, d.Weight, d.Bias), nil
}

func (d *Dense) parameters(prefix string) []encoder.NamedTensor {
	return []encoder.NamedTensor{
		{Name: prefix + ".weight", Tensor: d.Weight},
		{Name: prefix + ".bias", Tensor: d.Bias},
	}
}

// Dropout zeroes each element with probability P in training mode and scales
// survivors by 1/(1-P). In eval mode it is the identity.
type Dropout struct {
	P     float64
	state *modeState
}

// Forward returns x unchanged in eval mode, otherwise a masked copy.
func (d *Dropout) Forward(backend device.Backend, x device.Tensor) device.Tensor {
	if d.P <= 0 {
		return x
	}
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	if !d.state.training {
		return x
	}

	r, c := x.Dims()
	data := x.ToHost()
	if d.P >= 1 {
		return backend.NewTensor(r, c, nil)
	}
	scale := float32(1 / (1 - d.P))
	for i := range data {
		if d.state.rng.Float64() < d.P {
			data[i] = 0
		} else {
			data[i] *= scale
		}
	}
	return backend.NewTensor(r, c, data)
}

// Conv1D is a kernel-3, same-padded 1-D convolution over the rows of a
// [length, channels] activation with Channels in and out channels. Applied to
// a [batch, seq_len] activation it slides along the batch axis with seq_len
// channels.
type Conv1D struct {
	// Weight is [out channels, in channels * 3], kernel index fastest.
	Weight   device.Tensor
	Bias     device.Tensor
	Channels int
}

const convKernel = 3

// NewConv1D creates a Kaiming-uniform initialized convolution.
func NewConv1D(backend device.Backend, channels int, rng *rand.Rand) *Conv1D {
	c := &Conv1D{
		Weight:   backend.NewTensor(channels, channels*convKernel, nil),
		Bias:     backend.NewTensor(1, channels, nil),
		Channels: channels,
	}
	bound := 1 / math.Sqrt(float64(channels*convKernel))
	w := make([]float32, channels*channels*convKernel)
	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	c.Weight.CopyFromFloat32(w)
	return c
}

// Forward convolves x ([length, Channels]) and returns a new tensor of the
// same shape. Positions outside [0, length) read as zero.
func (c *Conv1D) Forward(backend device.Backend, x device.Tensor) (device.Tensor, error) {
	length, channels := x.Dims()
	if channels != c.Channels {
		return nil, fmt.Errorf("%w: conv expects %d channels, got %d", ErrShapeMismatch, c.Channels, channels)
	}
	in := x.ToHost()
	w := c.Weight.ToHost()
	bias := c.Bias.ToHost()
	out := make([]float32, length*channels)

	for pos := 0; pos < length; pos++ {
		row := out[pos*channels : (pos+1)*channels]
		copy(row, bias)
		for k := 0; k < convKernel; k++ {
			src := pos + k - 1
			if src < 0 || src >= length {
				continue
			}
			inRow := in[src*channels : (src+1)*channels]
			for o := 0; o < channels; o++ {
				wRow := w[o*channels*convKernel : (o+1)*channels*convKernel]
				var sum float32
				for i, v := range inRow {
					sum += wRow[i*convKernel+k] * v
				}
				row[o] += sum
			}
		}
	}
	return backend.NewTensor(length, channels, out), nil
}

func (c *Conv1D) parameters(prefix string) []encoder.NamedTensor {
	return []encoder.NamedTensor{
		{Name: prefix + ".weight", Tensor: c.Weight},
		{Name: prefix + ".bias", Tensor: c.Bias},
	}
}
