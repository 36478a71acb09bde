package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputationError(t *testing.T) {
	originalErr := errors.New("regression did not converge")
	wrapped := Computation(7, originalErr)

	var compErr *ComputationError
	assert.True(t, errors.As(wrapped, &compErr))
	assert.Equal(t, originalErr, compErr.Unwrap())
	assert.Equal(t, 7, compErr.Step)
	assert.Contains(t, compErr.Error(), "step 7")
	assert.Contains(t, compErr.Error(), "did not converge")
}

func TestErrorVariables(t *testing.T) {
	assert.Contains(t, ErrJobNotFound.Error(), "not found")
	assert.Contains(t, ErrTerminalStatus.Error(), "terminal")
	assert.Contains(t, ErrNoParentVersion.Error(), "no parent")
	assert.Contains(t, ErrInsufficientData.Error(), "history")
}

func TestErrInvalidParams_Wrapping(t *testing.T) {
	_, err := ParseCollectionParams([]byte(`{"days":3}`))
	assert.ErrorIs(t, err, ErrInvalidParams)
}
