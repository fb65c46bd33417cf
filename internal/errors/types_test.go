package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransientClassification(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(NewTransientError(errors.New("x"), "")))
	assert.False(t, IsTransient(NewPermanentError(errors.New("x"), "")))
	assert.False(t, IsTransient(NewSubmissionError(errors.New("x"), "")))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", NewTransientError(errors.New("x"), ""))))
	assert.False(t, IsTransient(errors.New("invalid prompt")))
}

func TestTransientHTTPStatus(t *testing.T) {
	assert.True(t, IsTransientHTTPStatus(http.StatusServiceUnavailable))
	assert.True(t, IsTransientHTTPStatus(http.StatusTooManyRequests))
	assert.False(t, IsTransientHTTPStatus(http.StatusNotFound))
	assert.False(t, IsTransientHTTPStatus(http.StatusBadRequest))
}

func TestSubmissionErrorMessage(t *testing.T) {
	err := NewSubmissionError(errors.New("boom"), "task submission failed: backend said no")
	assert.Equal(t, "task submission failed: backend said no", err.Error())
	assert.Equal(t, "boom", errors.Unwrap(err).Error())

	bare := &SubmissionError{Err: errors.New("boom")}
	assert.Contains(t, bare.Error(), "boom")
}

func TestMalformedFrameError(t *testing.T) {
	err := &MalformedFrameError{Frame: []byte(`{"foo":"bar"}`), Reason: "missing task id"}
	assert.Contains(t, err.Error(), "missing task id")
	assert.Contains(t, err.Error(), `{"foo":"bar"}`)
}
