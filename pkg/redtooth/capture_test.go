package redtooth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaptureLoopFailureClassifiesAsOperational(t *testing.T) {
	t.Parallel()

	cause := errors.New("device invalidated")
	err := captureLoopFailure("get capture buffer", cause)

	assert.ErrorIs(t, err, ErrOperationFailed)
	assert.Equal(t, CodeOperationFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "get capture buffer")
	assert.Contains(t, err.Error(), "device invalidated")
}
