package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_Taxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       *StandardError
		code      ErrorCode
		retryable bool
		category  string
	}{
		{"validation", NewValidationError("firstName", "يرجى تحديد اسم الموظف", "أضف موظف أحمد"), ErrCodeValidationFailed, false, "VALIDATION"},
		{"permission", NewPermissionError("EMPLOYEE"), ErrCodePermissionDenied, false, "SECURITY"},
		{"not found", NewNotFoundError("employee", "سامي"), ErrCodeTargetNotFound, false, "TARGET"},
		{"ambiguous", NewAmbiguousTargetError("employee", "أحمد", []string{"أحمد علي", "أحمد حسن"}), ErrCodeAmbiguousTarget, false, "TARGET"},
		{"state", NewStatePreconditionError("تمت معالجة الطلب مسبقا", "status: APPROVED"), ErrCodeStatePreconditionFailed, false, "TARGET"},
		{"upstream", NewUpstreamError("postgres", fmt.Errorf("conn reset")), ErrCodeUpstreamFailure, true, "UPSTREAM"},
		{"rejected", NewPlanRejectedError("entity not exposed"), ErrCodePlanRejected, false, "SECURITY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.retryable, tt.err.Retryable)
			assert.Equal(t, tt.category, GetErrorCategory(tt.err.Code))
			assert.NotEmpty(t, tt.err.Message)
			assert.False(t, tt.err.Timestamp.IsZero())
		})
	}
}

func TestAmbiguousTarget_ListsCandidates(t *testing.T) {
	err := NewAmbiguousTargetError("employee", "أحمد", []string{"أحمد علي", "أحمد حسن"})

	assert.Contains(t, err.Message, "أحمد علي")
	assert.Contains(t, err.Message, "أحمد حسن")
	assert.Equal(t, []string{"أحمد علي", "أحمد حسن"}, err.Metadata["candidates"])

	bpmn := ConvertToBPMNError(err)
	assert.Equal(t, "NLCQE_AMBIGUOUS", bpmn.Code)
	assert.Equal(t, 0, bpmn.Retries)
	assert.Equal(t, []string{"أحمد علي", "أحمد حسن"}, bpmn.ToErrorVariables()["candidates"])
}

func TestGetRetryCount(t *testing.T) {
	assert.Equal(t, 1, GetRetryCount(ErrCodeUpstreamFailure))
	for _, code := range []ErrorCode{
		ErrCodeValidationFailed, ErrCodePermissionDenied, ErrCodeTargetNotFound,
		ErrCodeAmbiguousTarget, ErrCodeStatePreconditionFailed, ErrCodePlanRejected,
	} {
		assert.Equal(t, 0, GetRetryCount(code), string(code))
		assert.False(t, IsRetryableErrorCode(code))
	}
}

func TestConvertToBPMNError_NonRetryableHasNoRetries(t *testing.T) {
	se := NewUpstreamError("genai", fmt.Errorf("boom"))
	se.Retryable = false

	bpmn := ConvertToBPMNError(se)
	assert.Equal(t, 0, bpmn.Retries)
	assert.Equal(t, "NLCQE_UPSTREAM", bpmn.Code)
	assert.Equal(t, string(ErrCodeUpstreamFailure), bpmn.ErrorVariables["originalErrorCode"])

	passthrough := ConvertToBPMNError(NewInvalidInputError("bad"))
	assert.Equal(t, string(ErrCodeInvalidInput), passthrough.Code)
}

func TestAsStandard_UnwrapsChains(t *testing.T) {
	wrapped := fmt.Errorf("execute: %w", NewNotFoundError("leave", "سارة"))

	se, ok := AsStandard(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrCodeTargetNotFound, se.Code)
	assert.True(t, HasCode(wrapped, ErrCodeTargetNotFound))
	assert.False(t, HasCode(wrapped, ErrCodeAmbiguousTarget))

	_, ok = AsStandard(stderrors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, ErrCodeInternal, Normalize(stderrors.New("plain")).Code)
}
