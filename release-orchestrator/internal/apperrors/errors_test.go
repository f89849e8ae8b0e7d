package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfUnwrapsChain(t *testing.T) {
	base := InvalidTransition("task %s is %s", "t-1", "COMPLETED")
	wrapped := fmt.Errorf("retry task: %w", base)

	assert.Equal(t, CodeInvalidTransition, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeInvalidTransition))
	assert.False(t, IsCode(wrapped, CodeValidation))
	assert.Contains(t, wrapped.Error(), "task t-1 is COMPLETED")
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeLockContention, "cron job locked")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "LOCK_CONTENTION: cron job locked: connection reset", err.Error())
}

func TestWithMeta(t *testing.T) {
	err := Validation("bad percentage").WithMeta("field", "rolloutPercentage")
	assert.Equal(t, "rolloutPercentage", MetaOf(fmt.Errorf("x: %w", err))["field"])
}
