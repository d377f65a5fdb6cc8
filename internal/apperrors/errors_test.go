package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeMatching(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("insert: %w", Store("insert session", base))

	assert.True(t, IsCode(err, CodeStoreError))
	assert.False(t, IsCode(err, CodeConflict))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, CodeStoreError, CodeOf(err))
	assert.Equal(t, CodeUnknown, CodeOf(base))
	assert.Nil(t, Store("noop", nil))
}

func TestStoreKeepsCodedErrors(t *testing.T) {
	conflict := New(CodeConflict, "taken")
	assert.Same(t, conflict, Store("insert", conflict))
}

func TestForbiddenReason(t *testing.T) {
	err := Forbidden(ReasonNotOver, "Time is not over")
	assert.Equal(t, ReasonNotOver, Reason(err))
	assert.Equal(t, "Time is not over", MessageOf(fmt.Errorf("resolve: %w", err)))
	assert.Equal(t, map[string]string{"reason": ReasonNotOver}, MetadataOf(err))
	assert.Empty(t, Reason(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeConflict:    http.StatusConflict,
		CodeNotFound:    http.StatusNotFound,
		CodeForbidden:   http.StatusForbidden,
		CodeInvalid:     http.StatusUnprocessableEntity,
		CodeUnavailable: http.StatusServiceUnavailable,
		CodeStoreError:  http.StatusInternalServerError,
		CodeConsistency: http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.HTTPStatus(), code)
	}
	assert.True(t, CodeUnavailable.Retryable())
	assert.False(t, CodeInvalid.Retryable())
}
