package registration

import (
	"errors"
	"fmt"

	"seqreg/internal/sequence"
)

var (
	// ErrInputImageUnavailable: a source image is missing or cannot be decoded.
	ErrInputImageUnavailable = sequence.ErrInputImageUnavailable
	// ErrArgumentMismatch: inconsistent images/time steps/extra/seg lists.
	ErrArgumentMismatch = sequence.ErrArgumentMismatch
	// ErrRegistrationFailed: the estimator errored or did not converge.
	ErrRegistrationFailed = errors.New("registration failed")
	// ErrMissingConsecutiveTransform: a transform needed for composition is
	// absent and cannot be recomputed in this run.
	ErrMissingConsecutiveTransform = errors.New("missing consecutive transform")
	// ErrOutputPath: the output folder does not exist and cannot be created.
	ErrOutputPath = errors.New("output path unavailable")
)

// PairError identifies the timepoint pair a stage failed on. Float and Ref
// are time-step values.
type PairError struct {
	Stage string
	Float int
	Ref   int
	Err   error
}

func (e *PairError) Error() string {
	return fmt.Sprintf("%s t%d on t%d: %v", e.Stage, e.Float, e.Ref, e.Err)
}

func (e *PairError) Unwrap() error { return e.Err }

// MissingConsecutiveTransformError reports the missing link and every
// composed transform index that depends on it.
type MissingConsecutiveTransformError struct {
	Link     int
	Float    int
	Ref      int
	Path     string
	Affected []int
}

func (e *MissingConsecutiveTransformError) Error() string {
	return fmt.Sprintf("missing consecutive transform t%d on t%d (%s): cannot compose timepoints %v",
		e.Float, e.Ref, e.Path, e.Affected)
}

func (e *MissingConsecutiveTransformError) Unwrap() error { return ErrMissingConsecutiveTransform }

func registrationFailed(stage string, float, ref int, err error) error {
	return &PairError{Stage: stage, Float: float, Ref: ref, Err: fmt.Errorf("%w: %w", ErrRegistrationFailed, err)}
}
