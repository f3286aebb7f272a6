package errors

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woldeaman/diffusion-df-extraction/internal/logging"
)

func TestKindOf(t *testing.T) {
	consistency := &ConsistencyError{Check: "column-sum", Message: "column 3", Discrepancy: 1e-6}

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", fmt.Errorf("boom"), KindUnknown},
		{"precondition", Precondition("op", "bad %d", 1), KindPrecondition},
		{"numerical", Numerical("op", io.EOF), KindNumerical},
		{"wrap keeps kind", Wrap(Precondition("inner", "bad"), "outer"), KindPrecondition},
		{"wrap of plain", Wrap(io.EOF, "outer"), KindUnknown},
		{"consistency", consistency, KindConsistency},
		{"wrapped consistency", Wrap(consistency, "outer"), KindConsistency},
		{"numerical around consistency", Numerical("op", consistency), KindConsistency},
		{"fmt wrapped", fmt.Errorf("ctx: %w", New(KindInterrupted, "stopped")), KindInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestNilErrorsStayNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "op"))
	assert.Nil(t, Wrapf(nil, "op", "msg"))
	assert.Nil(t, Numerical("op", nil))
	assert.False(t, IsKind(nil, KindUnknown))
}

func TestErrorMessage(t *testing.T) {
	err := Wrapf(io.EOF, "fit.DecodeDataset", "invalid dataset").WithComponent("fit")
	assert.Equal(t, "fit: fit.DecodeDataset: invalid dataset: EOF", err.Error())
	assert.True(t, Is(err, io.EOF))
	assert.NotEmpty(t, err.StackTrace())
}

func TestConsistencyDiagnostic(t *testing.T) {
	err := &ConsistencyError{
		Check:       "column-sum",
		Message:     "generator column does not sum to zero",
		Discrepancy: 0.5,
		Values:      []float64{0, 0.5},
		Matrix:      [][]float64{{-1, 1}, {1, -0.5}},
	}
	d := err.Diagnostic()
	assert.Contains(t, d, "consistency violation (column-sum)")
	assert.Contains(t, d, "values: [0 0.5]")
	assert.Contains(t, d, "matrix 2x2:")

	fields := err.Fields()
	assert.Equal(t, "column-sum", fields["check"])
	assert.Equal(t, 0.5, fields["discrepancy"])
	assert.Contains(t, fields, "matrix")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Precondition("op", "bad")))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(&ConsistencyError{Check: "mass"}))
	assert.Equal(t, http.StatusConflict, HTTPStatus(New(KindInterrupted, "stopped")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Numerical("op", io.EOF)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(io.EOF))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(logging.New(logging.DebugLevel, io.Discard))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("solver exploded")
	}))

	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/sweeps", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"Internal Server Error"}`, rr.Body.String())
}
