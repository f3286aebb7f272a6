package errors

import (
	"fmt"
	"strings"
)

// ConsistencyError reports a physically inconsistent generator, profile or
// propagation. It carries the offending values and matrix so the caller can
// log them and decide what to do.
type ConsistencyError struct {
	// Check names the violated invariant, e.g. "column-sum".
	Check string
	// Message describes the violation.
	Message string
	// Discrepancy is the offending numeric deviation.
	Discrepancy float64
	// Values holds the offending vector (column sums, segment values, masses).
	Values []float64
	// Matrix is a row-major dump of the offending matrix, if any.
	Matrix [][]float64
}

// Error implements the error interface.
func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation (%s): %s (discrepancy %g)", e.Check, e.Message, e.Discrepancy)
}

// Diagnostic renders the payload in a human readable form.
func (e *ConsistencyError) Diagnostic() string {
	var b strings.Builder
	b.WriteString(e.Error())
	if len(e.Values) > 0 {
		fmt.Fprintf(&b, "\nvalues: %v", e.Values)
	}
	if len(e.Matrix) > 0 {
		fmt.Fprintf(&b, "\nmatrix %dx%d:", len(e.Matrix), len(e.Matrix[0]))
		for _, row := range e.Matrix {
			b.WriteString("\n ")
			for _, v := range row {
				fmt.Fprintf(&b, " % .4e", v)
			}
		}
	}
	return b.String()
}

// Fields returns the payload as log fields.
func (e *ConsistencyError) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"check":       e.Check,
		"discrepancy": e.Discrepancy,
	}
	if len(e.Values) > 0 {
		fields["values"] = e.Values
	}
	if len(e.Matrix) > 0 {
		fields["matrix"] = e.Matrix
	}
	return fields
}
