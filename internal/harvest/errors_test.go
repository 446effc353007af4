package harvest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	transient := Transient("portal error (HTTP 503)", assert.AnError)
	fatal := Fatal("detail page structure not recognized", nil)

	assert.True(t, IsTransient(transient))
	assert.False(t, IsFatal(transient))
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsTransient(fatal))

	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsFatal(ErrNotFound))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsFatal(nil))
}

func TestErrorClassificationSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("fetch 1000010001: %w", Transient("network failure", assert.AnError))
	assert.True(t, IsTransient(wrapped))

	assert.True(t, errors.Is(fmt.Errorf("batch b1: %w", ErrSystemicFailure), ErrSystemicFailure))
}

func TestTransientErrorUnwrap(t *testing.T) {
	err := Transient("network failure", assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "network failure")
}
