package predictor

import "fmt"

// PredictionErrorKind separates caller mistakes from model failures.
type PredictionErrorKind string

const (
	InvalidInput PredictionErrorKind = "invalid_input"
	ModelFailure PredictionErrorKind = "model"
)

// PredictionError is returned by every predictor operation that can fail.
type PredictionError struct {
	Kind PredictionErrorKind
	Err  error
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("prediction %s: %v", e.Kind, e.Err)
}

func (e *PredictionError) Unwrap() error {
	return e.Err
}

func invalidInput(format string, args ...any) error {
	return &PredictionError{Kind: InvalidInput, Err: fmt.Errorf(format, args...)}
}

func modelFailure(format string, args ...any) error {
	return &PredictionError{Kind: ModelFailure, Err: fmt.Errorf(format, args...)}
}
