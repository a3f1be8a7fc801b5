package evaluation

import "fmt"

// EvaluationFailedError is the cycle-fatal failure returned when an
// evaluation produced no usable results: an empty test batch or every case
// erroring. Callers must handle it explicitly; it is never retried inside
// the engine.
type EvaluationFailedError struct {
	Reason     string
	CasesTried int
}

func (e *EvaluationFailedError) Error() string {
	return fmt.Sprintf("evaluation failed: %s (cases tried: %d)", e.Reason, e.CasesTried)
}
