package scoring

import (
	"errors"

	"github.com/23skdu/longbow-autograder/internal/encoder"
)

var (
	// ErrShapeMismatch is returned when inputs, outputs or targets do not have
	// the configured sequence length, hidden width or head width.
	ErrShapeMismatch = encoder.ErrShapeMismatch

	// ErrMissingTarget is returned when the target bundle lacks an element the
	// selected forward mode needs.
	ErrMissingTarget = errors.New("missing target bundle element")

	// ErrDegenerateMask is returned when a masked loss term has no valid entries
	// and the loss configuration asks for an error instead of a zero term.
	ErrDegenerateMask = errors.New("degenerate loss mask")
)
