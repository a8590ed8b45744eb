package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsMatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("accept r1: %w", ErrCapacityReached)
	assert.ErrorIs(t, err, ErrCapacityReached)
	assert.NotErrorIs(t, err, ErrAlreadyAccepted)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, ReasonCapacityReached, ReasonOf(err))
}

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := NotFound("request", "abc")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "request abc not found", err.Error())
}

func TestUnavailableIsRetryable(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Unavailable("load request", cause)
	assert.True(t, err.Retryable())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsDomain(errors.New("boom")))
}
