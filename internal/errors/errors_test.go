package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/victornm/codearena/internal/errors"
)

func TestConvert(t *testing.T) {
	tests := map[string]struct {
		err      error
		wantCode errors.Code
		wantHTTP int
	}{
		"plain error becomes internal": {
			err:      stderrors.New("boom"),
			wantCode: errors.CodeInternal,
			wantHTTP: http.StatusInternalServerError,
		},
		"wrapped coded error keeps its code": {
			err:      fmt.Errorf("join room: %w", errors.Capacity("room is full")),
			wantCode: errors.CodeResourceExhausted,
			wantHTTP: http.StatusConflict,
		},
		"state error maps to conflict": {
			err:      errors.State("match is not active"),
			wantCode: errors.CodeFailedPrecondition,
			wantHTTP: http.StatusConflict,
		},
		"execution system error is unavailable": {
			err:      errors.ExecutionSystem(stderrors.New("judge down")),
			wantCode: errors.CodeUnavailable,
			wantHTTP: http.StatusServiceUnavailable,
		},
		"authorization error is forbidden": {
			err:      errors.Forbidden("only the host can start the match"),
			wantCode: errors.CodePermissionDenied,
			wantHTTP: http.StatusForbidden,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := errors.Convert(tt.err)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantHTTP, e.HTTPStatusCode())
			assert.True(t, errors.Is(e, tt.wantCode))
		})
	}
}

func TestError_GRPCStatus(t *testing.T) {
	e := errors.NotFound("room not found: %s", "r1")

	st, ok := status.FromError(e)
	assert.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())
	assert.Equal(t, "room not found: r1", st.Message())
}

func TestExecutionSystem_MessageInvitesRetry(t *testing.T) {
	cause := stderrors.New("status 13")
	e := errors.ExecutionSystem(cause)

	assert.Contains(t, e.Message, "judging infrastructure")
	assert.Contains(t, e.Message, "retry")
	assert.ErrorIs(t, e, cause)
}
