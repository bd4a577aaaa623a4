// internal/broker/errors_test.go
package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableByKind(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsRetryable(NewError(KindNetwork, "AAPL", base)))
	assert.True(t, IsRetryable(NewError(KindRateLimit, "AAPL", base)))
	assert.False(t, IsRetryable(NewError(KindAuth, "AAPL", base)))
	assert.False(t, IsRetryable(NewError(KindValidation, "AAPL", base)))
	assert.False(t, IsRetryable(NewError(KindRejection, "AAPL", base)))
}

func TestUnclassifiedErrorsAreTransient(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
	assert.Equal(t, KindNetwork, KindOf(errors.New("connection reset by peer")))
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	inner := NewError(KindRejection, "AAPL", errors.New("insufficient quantity"))
	wrapped := fmt.Errorf("placing order: %w", inner)

	assert.Equal(t, KindRejection, KindOf(wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestErrorMessageIncludesTicker(t *testing.T) {
	err := NewError(KindRateLimit, "MSFT", errors.New("429"))
	assert.Contains(t, err.Error(), "MSFT")
	assert.Contains(t, err.Error(), "rate_limit")
}
