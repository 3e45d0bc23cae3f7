package encoder

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/23skdu/longbow-autograder/internal/device"
)

// maskedScore is added to attention scores of padded key positions.
const maskedScore = -1e9

var _ Encoder = (*BertModel)(nil)

// BertModel is a BERT-style text encoder exposing the last hidden state.
type BertModel struct {
	Config     Config
	Backend    device.Backend
	Embeddings *BertEmbeddings
	Encoder    *BertEncoder
}

// NewBertModel creates a new BERT model with the given configuration.
// Weights are initialized with Xavier/Glorot initialization for sensible defaults.
func NewBertModel(config Config) *BertModel {
	return NewBertModelWithBackend(config, device.NewCPUBackend())
}

// NewBertModelWithBackend creates a new BERT model with the given configuration and backend.
func NewBertModelWithBackend(config Config, b device.Backend) *BertModel {
	if config.LayerNormEps == 0 {
		config.LayerNormEps = 1e-12
	}
	model := &BertModel{
		Config:     config,
		Backend:    b,
		Embeddings: NewBertEmbeddings(config, b),
		Encoder:    NewBertEncoder(config, b),
	}
	xavierInit(model.Embeddings.WordEmbeddings)
	xavierInit(model.Embeddings.PositionEmbeddings)
	model.Encoder.initWeights()
	return model
}

// HiddenSize returns the width of every hidden-state row.
func (m *BertModel) HiddenSize() int {
	return m.Config.HiddenSize
}

// Encode runs embeddings and the transformer stack over a text batch.
func (m *BertModel) Encode(in Input) (*Output, error) {
	if in.IsAudio() {
		return nil, fmt.Errorf("%w: text encoder received a waveform batch", ErrShapeMismatch)
	}
	batchSize, seqLen, mask, err := textShape(in)
	if err != nil {
		return nil, err
	}
	if seqLen > m.Config.MaxPositionEmbeddings {
		return nil, fmt.Errorf("%w: sequence length %d exceeds %d positions",
			ErrShapeMismatch, seqLen, m.Config.MaxPositionEmbeddings)
	}

	flat := make([]int, 0, batchSize*seqLen)
	for i, row := range in.InputIDs {
		for j, id := range row {
			if id < 0 || id >= m.Config.VocabSize {
				return nil, fmt.Errorf("%w: input_ids[%d][%d]=%d, vocab size %d",
					ErrTokenOutOfRange, i, j, id, m.Config.VocabSize)
			}
		}
		flat = append(flat, row...)
	}

	embeddings := m.Embeddings.ForwardBatch(flat, batchSize, seqLen)
	hidden := m.Encoder.ForwardBatch(embeddings, batchSize, seqLen, mask)
	return &Output{LastHiddenState: hidden, BatchSize: batchSize, SeqLen: seqLen}, nil
}

// xavierInit initializes a matrix with Xavier/Glorot uniform initialization.
func xavierInit(m device.Tensor) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))

	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rand.Float64()*2 - 1) * limit)
	}
	m.CopyFromFloat32(data)
}

// BertEmbeddings handles word, position, and token type embeddings.
type BertEmbeddings struct {
	Config              Config
	Backend             device.Backend
	WordEmbeddings      device.Tensor
	PositionEmbeddings  device.Tensor
	TokenTypeEmbeddings device.Tensor
	LayerNorm           *LayerNorm
}

func NewBertEmbeddings(config Config, backend device.Backend) *BertEmbeddings {
	return &BertEmbeddings{
		Config:              config,
		Backend:             backend,
		WordEmbeddings:      backend.NewTensor(config.VocabSize, config.HiddenSize, nil),
		PositionEmbeddings:  backend.NewTensor(config.MaxPositionEmbeddings, config.HiddenSize, nil),
		TokenTypeEmbeddings: backend.NewTensor(2, config.HiddenSize, nil), // 2 types: A and B
		LayerNorm:           NewLayerNorm(config.HiddenSize, config.LayerNormEps, backend),
	}
}

// ForwardBatch embeds batchSize sequences of seqLen ids stored back to back.
func (e *BertEmbeddings) ForwardBatch(inputIDs []int, batchSize, seqLen int) device.Tensor {
	embeddings := e.WordEmbeddings.Gather(inputIDs)

	posEmbeds := e.PositionEmbeddings.Gather(positionIndices(batchSize, seqLen))
	embeddings.Add(posEmbeds)

	// Token type is always segment A.
	typeEmbeds := e.TokenTypeEmbeddings.Gather(make([]int, batchSize*seqLen))
	embeddings.Add(typeEmbeds)

	return e.LayerNorm.Forward(embeddings)
}

func positionIndices(batchSize, seqLen int) []int {
	idx := make([]int, 0, batchSize*seqLen)
	for b := 0; b < batchSize; b++ {
		for i := 0; i < seqLen; i++ {
			idx = append(idx, i)
		}
	}
	return idx
}

// LayerNorm implements Layer Normalization.
type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
	Eps   float32
}

func NewLayerNorm(size int, eps float32, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}

	return &LayerNorm{
		Gamma: backend.NewTensor(1, size, ones),
		Beta:  backend.NewTensor(1, size, nil),
		Eps:   eps,
	}
}

// Forward performs LayerNorm in-place.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return input
}

// BertEncoder is a stack of Transformer layers.
type BertEncoder struct {
	Layers []*BertLayer
}

func NewBertEncoder(config Config, backend device.Backend) *BertEncoder {
	layers := make([]*BertLayer, config.NumHiddenLayers)
	for i := range layers {
		layers[i] = NewBertLayer(config, backend)
	}
	return &BertEncoder{Layers: layers}
}

func (e *BertEncoder) initWeights() {
	for _, layer := range e.Layers {
		xavierInit(layer.Attention.Self.Query)
		xavierInit(layer.Attention.Self.Key)
		xavierInit(layer.Attention.Self.Value)
		xavierInit(layer.Attention.Output.Dense)
		xavierInit(layer.Intermediate.Dense)
		xavierInit(layer.Output.Dense)
	}
}

func (e *BertEncoder) ForwardBatch(hiddenStates device.Tensor, batchSize, seqLen int, mask [][]int) device.Tensor {
	for _, layer := range e.Layers {
		hiddenStates = layer.ForwardBatch(hiddenStates, batchSize, seqLen, mask)
	}
	return hiddenStates
}

// BertLayer is a single Transformer block.
type BertLayer struct {
	Attention    *BertAttention
	Intermediate *BertIntermediate
	Output       *BertOutput
}

func NewBertLayer(config Config, backend device.Backend) *BertLayer {
	return &BertLayer{
		Attention:    NewBertAttention(config, backend),
		Intermediate: NewBertIntermediate(config, backend),
		Output:       NewBertOutput(config, backend),
	}
}

func (l *BertLayer) ForwardBatch(hiddenStates device.Tensor, batchSize, seqLen int, mask [][]int) device.Tensor {
	start := time.Now()
	defer func() {
		LayerDuration.WithLabelValues("transformer_block").Observe(time.Since(start).Seconds())
	}()

	attention := l.Attention.ForwardBatch(hiddenStates, batchSize, seqLen, mask)
	intermediate := l.Intermediate.Forward(attention)
	return l.Output.Forward(intermediate, attention)
}

// BertAttention handles multi-head self-attention.
type BertAttention struct {
	Self   *BertSelfAttention
	Output *BertSelfOutput
}

func NewBertAttention(config Config, backend device.Backend) *BertAttention {
	return &BertAttention{
		Self:   NewBertSelfAttention(config, backend),
		Output: NewBertSelfOutput(config, backend),
	}
}

func (a *BertAttention) ForwardBatch(hiddenStates device.Tensor, batchSize, seqLen int, mask [][]int) device.Tensor {
	selfOutput := a.Self.ForwardBatch(hiddenStates, batchSize, seqLen, mask)
	return a.Output.Forward(selfOutput, hiddenStates)
}

type BertSelfAttention struct {
	Backend           device.Backend
	NumAttentionHeads int
	AttentionHeadSize int
	AllHeadSize       int

	Query device.Tensor
	Key   device.Tensor
	Value device.Tensor

	QueryBias device.Tensor
	KeyBias   device.Tensor
	ValueBias device.Tensor
}

func NewBertSelfAttention(config Config, backend device.Backend) *BertSelfAttention {
	return &BertSelfAttention{
		Backend:           backend,
		NumAttentionHeads: config.NumAttentionHeads,
		AttentionHeadSize: config.HeadSize(),
		AllHeadSize:       config.HiddenSize,
		Query:             backend.NewTensor(config.HiddenSize, config.HiddenSize, nil),
		Key:               backend.NewTensor(config.HiddenSize, config.HiddenSize, nil),
		Value:             backend.NewTensor(config.HiddenSize, config.HiddenSize, nil),
		QueryBias:         backend.NewTensor(1, config.HiddenSize, nil),
		KeyBias:           backend.NewTensor(1, config.HiddenSize, nil),
		ValueBias:         backend.NewTensor(1, config.HiddenSize, nil),
	}
}

// ForwardBatch computes masked scaled dot-product attention independently for
// every sequence and head. Sequences run in parallel.
func (s *BertSelfAttention) ForwardBatch(hiddenStates device.Tensor, batchSize, seqLen int, mask [][]int) device.Tensor {
	r, c := hiddenStates.Dims()

	queryLayer := project(s.Backend, hiddenStates, s.Query, s.QueryBias)
	keyLayer := project(s.Backend, hiddenStates, s.Key, s.KeyBias)
	valueLayer := project(s.Backend, hiddenStates, s.Value, s.ValueBias)

	output := s.Backend.NewTensor(r, c, nil)
	scale := float32(1.0 / math.Sqrt(float64(s.AttentionHeadSize)))

	computeAttention := func(seq int) {
		start := seq * seqLen
		end := start + seqLen

		for h := 0; h < s.NumAttentionHeads; h++ {
			col := h * s.AttentionHeadSize
			colEnd := col + s.AttentionHeadSize

			seqQ := queryLayer.Slice(start, end, col, colEnd)
			seqK := keyLayer.Slice(start, end, col, colEnd)
			seqV := valueLayer.Slice(start, end, col, colEnd)

			scores := s.Backend.GetTensor(seqLen, seqLen)
			scores.Mul(seqQ, seqK.T())
			scores.Scale(scale)
			for i := 0; i < seqLen; i++ {
				for j := 0; j < seqLen; j++ {
					if mask[seq][j] == 0 {
						scores.Set(i, j, scores.At(i, j)+maskedScore)
					}
				}
			}
			scores.Softmax()

			context := s.Backend.GetTensor(seqLen, s.AttentionHeadSize)
			context.Mul(scores, seqV)
			for i := 0; i < seqLen; i++ {
				for j := 0; j < s.AttentionHeadSize; j++ {
					output.Set(start+i, col+j, context.At(i, j))
				}
			}

			s.Backend.PutTensor(scores)
			s.Backend.PutTensor(context)
		}
	}

	var wg sync.WaitGroup
	for seq := 0; seq < batchSize; seq++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			computeAttention(seq)
		}(seq)
	}
	wg.Wait()

	s.Backend.PutTensor(queryLayer)
	s.Backend.PutTensor(keyLayer)
	s.Backend.PutTensor(valueLayer)

	return output
}

type BertSelfOutput struct {
	Backend   device.Backend
	Dense     device.Tensor
	Bias      device.Tensor
	LayerNorm *LayerNorm
}

func NewBertSelfOutput(config Config, backend device.Backend) *BertSelfOutput {
	return &BertSelfOutput{
		Backend:   backend,
		Dense:     backend.NewTensor(config.HiddenSize, config.HiddenSize, nil),
		Bias:      backend.NewTensor(1, config.HiddenSize, nil),
		LayerNorm: NewLayerNorm(config.HiddenSize, config.LayerNormEps, backend),
	}
}

func (o *BertSelfOutput) Forward(hiddenStates, inputTensor device.Tensor) device.Tensor {
	hiddenStates = project(o.Backend, hiddenStates, o.Dense, o.Bias)
	// Residual connection in-place
	hiddenStates.Add(inputTensor)
	return o.LayerNorm.Forward(hiddenStates)
}

type BertIntermediate struct {
	Backend device.Backend
	Dense   device.Tensor
	Bias    device.Tensor
}

func NewBertIntermediate(config Config, backend device.Backend) *BertIntermediate {
	return &BertIntermediate{
		Backend: backend,
		Dense:   backend.NewTensor(config.HiddenSize, config.IntermediateSize, nil),
		Bias:    backend.NewTensor(1, config.IntermediateSize, nil),
	}
}

func (i *BertIntermediate) Forward(hiddenStates device.Tensor) device.Tensor {
	hiddenStates = project(i.Backend, hiddenStates, i.Dense, i.Bias)
	hiddenStates.Gelu()
	return hiddenStates
}

type BertOutput struct {
	Backend   device.Backend
	Dense     device.Tensor
	Bias      device.Tensor
	LayerNorm *LayerNorm
}

func NewBertOutput(config Config, backend device.Backend) *BertOutput {
	return &BertOutput{
		Backend:   backend,
		Dense:     backend.NewTensor(config.IntermediateSize, config.HiddenSize, nil),
		Bias:      backend.NewTensor(1, config.HiddenSize, nil),
		LayerNorm: NewLayerNorm(config.HiddenSize, config.LayerNormEps, backend),
	}
}

func (o *BertOutput) Forward(hiddenStates, inputTensor device.Tensor) device.Tensor {
	out := project(o.Backend, hiddenStates, o.Dense, o.Bias)
	o.Backend.PutTensor(hiddenStates)
	// Residual connection in-place
	out.Add(inputTensor)
	return o.LayerNorm.Forward(out)
}

// project computes input*weight + bias into a pooled tensor.
func project(backend device.Backend, input, weight, bias device.Tensor) device.Tensor {
	r, _ := input.Dims()
	_, wc := weight.Dims()

	output := backend.GetTensor(r, wc)
	output.Mul(input, weight)

	if bias != nil {
		output.AddBias(bias)
	}

	return output
}
