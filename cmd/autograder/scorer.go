package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-autograder/internal/cache"
	"github.com/23skdu/longbow-autograder/internal/checkpoint"
	"github.com/23skdu/longbow-autograder/internal/config"
	"github.com/23skdu/longbow-autograder/internal/device"
	"github.com/23skdu/longbow-autograder/internal/encoder"
	"github.com/23skdu/longbow-autograder/internal/scoring"
	"github.com/23skdu/longbow-autograder/internal/tokenizer"
)

// ScoreRequest is the body of /score. Exactly one of Texts or Waveforms is set.
// Overall optionally carries one row of labels per example. Speech models also
// take per-example Word rows (word_outputs*word_seq_length values) and Phoneme
// rows (phoneme_seq_length values); the siamese model takes the comparison
// input in PairedTexts or PairedWaveforms.
type ScoreRequest struct {
	Texts           []string    `cbor:"texts,omitempty"`
	Waveforms       [][]float32 `cbor:"waveforms,omitempty"`
	Overall         [][]float64 `cbor:"overall,omitempty"`
	Word            [][]float64 `cbor:"word,omitempty"`
	Phoneme         [][]float64 `cbor:"phoneme,omitempty"`
	PairedTexts     []string    `cbor:"paired_texts,omitempty"`
	PairedWaveforms [][]float32 `cbor:"paired_waveforms,omitempty"`
	EvalOutput      bool        `cbor:"eval_output,omitempty"`
	OneOutput       bool        `cbor:"one_output,omitempty"`
}

// Len is the number of examples in the request.
func (r ScoreRequest) Len() int {
	if len(r.Waveforms) > 0 {
		return len(r.Waveforms)
	}
	return len(r.Texts)
}

// check rejects requests whose per-example fields disagree on the example count.
func (r ScoreRequest) check() error {
	n := r.Len()
	for _, f := range []struct {
		name string
		rows int
	}{
		{"overall", len(r.Overall)},
		{"word", len(r.Word)},
		{"phoneme", len(r.Phoneme)},
		{"paired_texts", len(r.PairedTexts)},
		{"paired_waveforms", len(r.PairedWaveforms)},
	} {
		if f.rows > 0 && f.rows != n {
			return fmt.Errorf("%w: %s has %d rows for %d examples", errBadRequest, f.name, f.rows, n)
		}
	}
	return nil
}

// Slice returns examples [lo, hi) of every per-example field.
func (r ScoreRequest) Slice(lo, hi int) ScoreRequest {
	out := r
	out.Texts = window(r.Texts, lo, hi)
	out.Waveforms = window(r.Waveforms, lo, hi)
	out.Overall = window(r.Overall, lo, hi)
	out.Word = window(r.Word, lo, hi)
	out.Phoneme = window(r.Phoneme, lo, hi)
	out.PairedTexts = window(r.PairedTexts, lo, hi)
	out.PairedWaveforms = window(r.PairedWaveforms, lo, hi)
	return out
}

func window[T any](s []T, lo, hi int) []T {
	if len(s) == 0 {
		return nil
	}
	return s[lo:hi]
}

// ScoreResponse is the body returned by /score.
type ScoreResponse struct {
	Outputs map[string][][]float64 `cbor:"outputs"`
	Loss    *float64               `cbor:"loss,omitempty"`
	Terms   map[string]float64     `cbor:"terms,omitempty"`
}

var errBadRequest = errors.New("bad request")

// isClientError reports errors caused by the request rather than the server.
func isClientError(err error) bool {
	return errors.Is(err, errBadRequest) ||
		errors.Is(err, scoring.ErrShapeMismatch) ||
		errors.Is(err, scoring.ErrMissingTarget) ||
		errors.Is(err, scoring.ErrDegenerateMask) ||
		errors.Is(err, encoder.ErrTokenOutOfRange)
}

// ScorerInterface is what the HTTP and Flight front ends need.
type ScorerInterface interface {
	Score(ctx context.Context, req ScoreRequest) (*scoring.Result, error)
}

// Scorer tokenizes requests and runs the scoring model in eval mode.
type Scorer struct {
	Tokenizer tokenizer.Tokenizer
	Model     scoring.Model
	Loss      scoring.LossConfig
}

func (s *Scorer) Score(ctx context.Context, req ScoreRequest) (*scoring.Result, error) {
	_, span := tracer.Start(ctx, "Score")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", req.Len()))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := req.check(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	batch, err := s.input(req.Texts, req.Waveforms)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	targets, err := s.targets(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("bundle_len", targets.Len()))

	res, err := s.Model.Forward(batch, targets, scoring.ForwardOptions{
		EvalOutput: req.EvalOutput,
		OneOutput:  req.OneOutput,
		Loss:       s.Loss,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

func (s *Scorer) input(texts []string, waveforms [][]float32) (scoring.Batch, error) {
	switch {
	case len(texts) > 0 && len(waveforms) > 0:
		return scoring.Batch{}, fmt.Errorf("%w: texts and waveforms are mutually exclusive", errBadRequest)
	case len(waveforms) > 0:
		return scoring.Batch{Input: encoder.Input{Waveforms: waveforms}}, nil
	case len(texts) > 0:
		if s.Tokenizer == nil {
			return scoring.Batch{}, fmt.Errorf("%w: text input needs a text encoder", errBadRequest)
		}
		ids, mask, err := s.Tokenizer.EncodeBatch(texts, s.Model.Config().SeqLength)
		if err != nil {
			return scoring.Batch{}, err
		}
		return scoring.Batch{Input: encoder.Input{InputIDs: ids, AttentionMask: mask}}, nil
	default:
		return scoring.Batch{}, fmt.Errorf("%w: empty request", errBadRequest)
	}
}

// targets assembles the bundle in overall, word, phoneme, paired order. It is
// nil when the request carries none of them.
func (s *Scorer) targets(req ScoreRequest) (*scoring.TargetBundle, error) {
	cfg := s.Model.Config()
	bundle := &scoring.TargetBundle{}
	var err error

	if len(req.Overall) > 0 {
		if bundle.Overall, err = labelMatrix(req.Overall); err != nil {
			return nil, err
		}
	}
	if len(req.Word) > 0 || len(req.Phoneme) > 0 {
		if !cfg.Kind.IsSpeech() {
			return nil, fmt.Errorf("%w: %s model has no word or phoneme heads", errBadRequest, cfg.Kind)
		}
		if len(req.Word) > 0 {
			if bundle.Word, err = flatTargets("word", req.Word, cfg.WordWidth()); err != nil {
				return nil, err
			}
		}
		if len(req.Phoneme) > 0 {
			if bundle.Phoneme, err = flatTargets("phoneme", req.Phoneme, cfg.PhonemeSeqLength); err != nil {
				return nil, err
			}
		}
	}
	if len(req.PairedTexts) > 0 || len(req.PairedWaveforms) > 0 {
		if cfg.Kind != scoring.KindSiameseSpeech {
			return nil, fmt.Errorf("%w: %s model takes no paired input", errBadRequest, cfg.Kind)
		}
		paired, err := s.input(req.PairedTexts, req.PairedWaveforms)
		if err != nil {
			return nil, fmt.Errorf("paired input: %w", err)
		}
		bundle.Paired = &paired.Input
	}

	if bundle.Len() == 0 {
		return nil, nil
	}
	return bundle, nil
}

// flatTargets checks every row has width values and lays them out with
// scoring.ReshapeTargets, one row per example.
func flatTargets(name string, rows [][]float64, width int) (*mat.Dense, error) {
	flat := make([]float64, 0, len(rows)*width)
	for i, r := range rows {
		if len(r) != width {
			return nil, fmt.Errorf("%w: %s row %d has %d values, want %d", errBadRequest, name, i, len(r), width)
		}
		flat = append(flat, r...)
	}
	return scoring.ReshapeTargets(flat, width)
}

func labelMatrix(rows [][]float64) (*mat.Dense, error) {
	cols := len(rows[0])
	flat := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%w: label row %d has %d values, want %d", errBadRequest, i, len(r), cols)
		}
		flat = append(flat, r...)
	}
	return scoring.NewTargets(len(rows), cols, flat)
}

// NewResponse flattens a result for the CBOR response body.
func NewResponse(res *scoring.Result) ScoreResponse {
	resp := ScoreResponse{Outputs: make(map[string][][]float64, len(res.Outputs)+1)}
	outputs := res.Outputs
	if len(outputs) == 0 {
		outputs = map[string]*mat.Dense{scoring.HeadOverall: res.Output}
	}
	for name, m := range outputs {
		rows, _ := m.Dims()
		out := make([][]float64, rows)
		for i := range out {
			out[i] = append([]float64(nil), m.RawRowView(i)...)
		}
		resp.Outputs[name] = out
	}
	if res.Loss != nil {
		total := res.Loss.Total
		resp.Loss = &total
		resp.Terms = make(map[string]float64, len(res.Loss.Terms))
		for _, t := range res.Loss.Terms {
			if t.Included && !t.Degenerate {
				resp.Terms[t.Name] = t.Value
			}
		}
	}
	return resp
}

type orderedParameters interface {
	OrderedParameters() []encoder.NamedTensor
}

// buildScorer wires the configured encoder, tokenizer, cache, model and
// checkpoint into a Scorer.
func buildScorer(cfg *config.Config, backend device.Backend) (*Scorer, error) {
	encCfg, err := cfg.EncoderConfig()
	if err != nil {
		return nil, err
	}
	modelCfg, err := cfg.ScoringConfig()
	if err != nil {
		return nil, err
	}
	lossCfg, err := cfg.LossConfig()
	if err != nil {
		return nil, err
	}
	if modelCfg.Kind.IsSpeech() != encCfg.IsAudio() {
		log.Warn().Str("kind", modelCfg.Kind.String()).Bool("audio_encoder", encCfg.IsAudio()).
			Msg("Model kind and encoder modality differ")
	}

	enc, err := encoder.New(encCfg, backend)
	if err != nil {
		return nil, err
	}
	if path := cfg.Encoder.WeightsPath; path != "" {
		op, ok := enc.(orderedParameters)
		if !ok {
			return nil, fmt.Errorf("encoder %T cannot load raw weights", enc)
		}
		if err := encoder.LoadRawBinary(path, op.OrderedParameters()); err != nil {
			return nil, fmt.Errorf("load encoder weights: %w", err)
		}
		log.Info().Str("path", path).Msg("Loaded encoder weights")
	}

	var tok tokenizer.Tokenizer
	if !encCfg.IsAudio() {
		if cfg.Encoder.VocabPath == "" {
			return nil, errors.New("encoder.vocab_path is required for text encoders")
		}
		wp, err := tokenizer.NewWordPieceTokenizer(cfg.Encoder.VocabPath)
		if err != nil {
			return nil, err
		}
		if wp.VocabSize() > encCfg.VocabSize {
			return nil, fmt.Errorf("vocabulary has %d tokens, encoder embeds %d", wp.VocabSize(), encCfg.VocabSize)
		}
		tok = wp
	}

	if n := cfg.Encoder.CacheSize; n > 0 {
		c, err := cache.NewLRUCache(n)
		if err != nil {
			return nil, err
		}
		enc = encoder.NewCached(enc, c, backend)
		log.Info().Int("entries", n).Msg("Hidden-state cache enabled")
	}

	model, err := scoring.New(modelCfg, enc, backend)
	if err != nil {
		return nil, err
	}
	model.SetTraining(false)

	if path := cfg.Checkpoint.Path; path != "" {
		report, err := checkpoint.Restore(path, model.Parameters(), cfg.Checkpoint.Strict)
		if err != nil {
			return nil, fmt.Errorf("restore checkpoint: %w", err)
		}
		log.Info().Str("path", path).Int("loaded", len(report.Loaded)).
			Int("missing", len(report.Missing)).Int("unexpected", len(report.Unexpected)).
			Msg("Restored checkpoint")
	}

	return &Scorer{Tokenizer: tok, Model: model, Loss: lossCfg}, nil
}
