package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transientf("overloaded")))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", Transient(errors.New("boom")))))
	assert.False(t, IsTransient(Permanentf("bad request")))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}

func TestIsTransientContextErrorsAreNotRetryable(t *testing.T) {
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	// Even when wrapped inside a transient chain, cancellation wins.
	assert.False(t, IsTransient(Transient(context.Canceled)))
}

func TestClassifyStatus(t *testing.T) {
	assert.True(t, errors.Is(ClassifyStatus(429, "slow down"), ErrTransient))
	assert.True(t, errors.Is(ClassifyStatus(500, "oops"), ErrTransient))
	assert.True(t, errors.Is(ClassifyStatus(503, ""), ErrTransient))
	assert.True(t, errors.Is(ClassifyStatus(401, "bad key"), ErrPermanent))
	assert.True(t, errors.Is(ClassifyStatus(400, "bad request"), ErrPermanent))
}
