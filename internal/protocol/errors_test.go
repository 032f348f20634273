package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeRetryable(t *testing.T) {
	retryable := []ErrorCode{ErrInstanceReloading, ErrInstanceBusy, ErrTimeout, ErrQueueFull, ErrInstanceDisconnected}
	for _, code := range retryable {
		assert.True(t, code.Retryable(), "%s should be retryable", code)
	}

	terminal := []ErrorCode{ErrInstanceNotFound, ErrCommandNotFound, ErrInvalidParams, ErrProtocolError, ErrCapabilityNotSupported, ErrRelayShuttingDown}
	for _, code := range terminal {
		assert.False(t, code.Retryable(), "%s should not be retryable", code)
	}
}
