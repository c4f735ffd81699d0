package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/harvest/internal/shared"
)

func TestRespondErrorStatusAndClass(t *testing.T) {
	cases := []struct {
		err    error
		status int
		class  string
	}{
		{fmt.Errorf("cycle 1: %w", shared.ErrNotFound), http.StatusNotFound, "input"},
		{shared.ErrInvalidTransition, http.StatusConflict, "input"},
		{shared.ErrAlreadyFinalized, http.StatusConflict, "input"},
		{shared.ErrInsufficientStock, http.StatusUnprocessableEntity, "input"},
		{shared.ErrAmountMismatch, http.StatusUnprocessableEntity, "input"},
		{shared.ErrConcurrencyConflict, http.StatusServiceUnavailable, "retry"},
		{fmt.Errorf("%w: disk full", shared.ErrPersistence), http.StatusInternalServerError, "support"},
		{errors.New("unexpected"), http.StatusInternalServerError, "support"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())

		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Equal(t, tc.class, body.Type)
		require.Equal(t, tc.status, body.Status)
	}
}

func TestRespondErrorHidesStorageDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("%w: password=secret", shared.ErrPersistence))

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.NotContains(t, body.Detail, "secret")
}
