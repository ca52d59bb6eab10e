package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	base := errors.New("connection reset")

	assert.False(t, IsRetryable(base))
	assert.True(t, IsRetryable(NewRetryableError(base)))

	// Marking survives wrapping.
	wrapped := fmt.Errorf("download failed: %w", NewRetryableError(base))
	assert.True(t, IsRetryable(wrapped))

	// Unwrap reaches the original cause and the message is untouched.
	assert.ErrorIs(t, NewRetryableError(base), base)
	assert.Equal(t, base.Error(), NewRetryableError(base).Error())
}
