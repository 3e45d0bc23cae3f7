// Package checkpoint persists named model parameters as CBOR and restores them,
// optionally tolerating missing, unexpected or re-shaped entries.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-autograder/internal/device"
)

// formatVersion is bumped when the on-disk layout changes.
const formatVersion = 1

// maxFP16 is the largest finite half-precision value. Larger magnitudes are
// clamped rather than stored as infinity.
const maxFP16 = 65504.0

// Precision is the on-disk element type.
type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
)

// ParsePrecision accepts "fp32" (or "") and "fp16".
func ParsePrecision(s string) (Precision, error) {
	switch Precision(s) {
	case "", FP32:
		return FP32, nil
	case FP16:
		return FP16, nil
	default:
		return "", fmt.Errorf("unknown checkpoint precision: %s", s)
	}
}

var (
	// ErrStrictLoad is returned by a strict Apply when the checkpoint and the
	// model disagree on any parameter.
	ErrStrictLoad = errors.New("checkpoint does not match model parameters")

	// ErrUnsupportedVersion is returned for checkpoints written by a newer format.
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
)

// Tensor is one stored parameter.
type Tensor struct {
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	F32  []float32 `cbor:"f32,omitempty"`
	F16  []uint16  `cbor:"f16,omitempty"`
}

// Values decodes the stored elements to float32.
func (t Tensor) Values() []float32 {
	if t.F16 != nil {
		out := make([]float32, len(t.F16))
		for i, bits := range t.F16 {
			out[i] = float16.Frombits(bits).Float32()
		}
		return out
	}
	out := make([]float32, len(t.F32))
	copy(out, t.F32)
	return out
}

// Snapshot is a decoded checkpoint.
type Snapshot struct {
	Version   int               `cbor:"version"`
	Precision Precision         `cbor:"precision"`
	Tensors   map[string]Tensor `cbor:"tensors"`
}

// NewSnapshot captures params at precision p.
func NewSnapshot(params map[string]device.Tensor, p Precision) *Snapshot {
	s := &Snapshot{Version: formatVersion, Precision: p, Tensors: make(map[string]Tensor, len(params))}
	for name, t := range params {
		r, c := t.Dims()
		data := t.ToHost()
		rec := Tensor{Rows: r, Cols: c}
		if p == FP16 {
			rec.F16 = make([]uint16, len(data))
			for i, v := range data {
				if v > maxFP16 {
					v = maxFP16
				} else if v < -maxFP16 {
					v = -maxFP16
				}
				rec.F16[i] = float16.Fromfloat32(v).Bits()
			}
		} else {
			rec.F32 = data
		}
		s.Tensors[name] = rec
	}
	return s
}

// Save writes params to w as CBOR.
func Save(w io.Writer, params map[string]device.Tensor, p Precision) error {
	return cbor.NewEncoder(w).Encode(NewSnapshot(params, p))
}

// SaveFile writes params to path, replacing any existing file atomically.
func SaveFile(path string, params map[string]device.Tensor, p Precision) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := Save(bw, params, p); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	log.Info().Str("path", path).Int("tensors", len(params)).Str("precision", string(p)).Msg("Checkpoint saved")
	return nil
}

// Load decodes a checkpoint from r.
func Load(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if s.Version > formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	for name, t := range s.Tensors {
		n := len(t.F32)
		if t.F16 != nil {
			n = len(t.F16)
		}
		if t.Rows < 0 || t.Cols < 0 || n != t.Rows*t.Cols {
			return nil, fmt.Errorf("checkpoint tensor %s: %d values for %dx%d", name, n, t.Rows, t.Cols)
		}
	}
	return &s, nil
}

// LoadFile decodes the checkpoint at path.
func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(bufio.NewReader(f))
}

// LoadReport lists how each parameter name was handled by Apply. All lists are
// sorted.
type LoadReport struct {
	Loaded []string
	// Missing parameters exist in the model but not in the checkpoint.
	Missing []string
	// Unexpected entries exist in the checkpoint but not in the model.
	Unexpected []string
	// Mismatched entries exist in both with different shapes.
	Mismatched []string
}

// Clean reports whether every parameter was loaded and nothing was skipped.
func (r *LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 && len(r.Mismatched) == 0
}

// Apply copies matching tensors into params. A non-strict apply skips
// missing, unexpected and shape-mismatched entries and lists them in the
// report. A strict apply returns ErrStrictLoad if any exist and leaves params
// untouched.
func (s *Snapshot) Apply(params map[string]device.Tensor, strict bool) (*LoadReport, error) {
	report := &LoadReport{}
	for name, t := range params {
		rec, ok := s.Tensors[name]
		if !ok {
			report.Missing = append(report.Missing, name)
			continue
		}
		r, c := t.Dims()
		if rec.Rows != r || rec.Cols != c {
			report.Mismatched = append(report.Mismatched, name)
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}
	for name := range s.Tensors {
		if _, ok := params[name]; !ok {
			report.Unexpected = append(report.Unexpected, name)
		}
	}
	sort.Strings(report.Loaded)
	sort.Strings(report.Missing)
	sort.Strings(report.Unexpected)
	sort.Strings(report.Mismatched)

	if strict && !report.Clean() {
		return report, fmt.Errorf("%w: %d missing, %d unexpected, %d mismatched",
			ErrStrictLoad, len(report.Missing), len(report.Unexpected), len(report.Mismatched))
	}

	for _, name := range report.Loaded {
		params[name].CopyFromFloat32(s.Tensors[name].Values())
	}

	ev := log.Info()
	if !report.Clean() {
		ev = log.Warn().Strs("missing", report.Missing).Strs("unexpected", report.Unexpected).Strs("mismatched", report.Mismatched)
	}
	ev.Int("loaded", len(report.Loaded)).Bool("strict", strict).Msg("Checkpoint applied")
	return report, nil
}

// Restore loads the checkpoint at path into params.
func Restore(path string, params map[string]device.Tensor, strict bool) (*LoadReport, error) {
	s, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return s.Apply(params, strict)
}
