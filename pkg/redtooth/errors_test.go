package redtooth

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil is success", nil, CodeSuccess},
		{"not initialized", ErrNotInitialized, CodeNotInitialized},
		{"invalid parameter", ErrInvalidParameter, CodeInvalidParameter},
		{"operation failed", ErrOperationFailed, CodeOperationFailed},
		{"device not found", ErrDeviceNotFound, CodeDeviceNotFound},
		{"connection failed", ErrConnectionFailed, CodeConnectionFailed},
		{"audio init failed", ErrAudioInitFailed, CodeAudioInitFailed},
		{"format rejection is an audio init failure", ErrFormatRejected, CodeAudioInitFailed},
		{"already running is an operation failure", ErrAlreadyRunning, CodeOperationFailed},
		{"already present is an operation failure", ErrAlreadyPresent, CodeOperationFailed},
		{"buffer full is an operation failure", ErrBufferFull, CodeOperationFailed},
		{"unrecognized errors never leak raw", errors.New("something odd"), CodeUnknownError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestCodeOfUnwrapsErrorChains(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("initialize sink for AA:BB:CC:DD:EE:FF: %w",
		fmt.Errorf("negotiate format: %w", ErrFormatRejected))

	assert.Equal(t, CodeAudioInitFailed, CodeOf(wrapped))
}
