package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorRetryability(t *testing.T) {
	tests := []struct {
		code      string
		retryable bool
	}{
		{CodeTimeout, true},
		{CodeRateLimited, true},
		{CodeServerError, true},
		{CodeConnectionFailed, true},
		{CodeValidation, false},
		{CodeAuth, false},
		{CodeOrderNotFound, false},
		{CodeNothingToClose, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(NewError(tt.code, "boom")))
		})
	}
}

func TestWithStatusUpgradesRetryability(t *testing.T) {
	err := NewError(CodeValidation, "slow down").WithStatus(http.StatusTooManyRequests)
	assert.True(t, IsRetryable(err))

	err = NewError(CodeValidation, "boom").WithStatus(http.StatusBadGateway)
	assert.True(t, IsRetryable(err))

	err = NewError(CodeValidation, "bad request").WithStatus(http.StatusBadRequest)
	assert.False(t, IsRetryable(err))
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("close_position: %w", NewError(CodeNothingToClose, "flat"))
	assert.True(t, IsNothingToClose(wrapped))
	assert.False(t, IsOrderNotFound(wrapped))

	assert.True(t, IsOrderNotFound(NewError(CodeOrderNotFound, "gone")))
	assert.True(t, IsValidation(NewError(CodeValidation, "bad units")))
}

func TestDeadlineCountsAsRetryableTimeout(t *testing.T) {
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.False(t, IsTimeout(errors.New("plain failure")))
}

func TestErrorMessageIncludesOp(t *testing.T) {
	err := NewError(CodeTimeout, "deadline exceeded").WithOp("place_order")
	assert.Contains(t, err.Error(), "place_order")
	assert.Contains(t, err.Error(), CodeTimeout)
}
