package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_AddAndMerge(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())

	r.AddWarning("sequences[0]", ErrCodeValidation, "empty condition")
	assert.True(t, r.Valid(), "warnings alone should not make result invalid")

	other := &ValidationResult{}
	other.AddError("sequences[0].steps[1]", ErrCodeCycleDetected, "source cycle")
	r.Merge(other)
	r.Merge(nil)

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Equal(t, ErrCodeCycleDetected, r.Errors[0].Code)
	assert.Len(t, r.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.NoError(t, r.ToError())

	r.AddError("sequences[0].steps[0].node.id", ErrCodeValidation, "is required")
	var single *ActError
	require.True(t, errors.As(r.ToError(), &single))
	assert.Equal(t, ErrCodeValidation, single.Code)
	assert.Equal(t, "sequences[0].steps[0].node.id: is required", single.Message)
	assert.Equal(t, 1, single.Details["errorCount"])

	r.AddError("/", ErrCodeValidation, "again")
	var multi *ActError
	require.True(t, errors.As(r.ToError(), &multi))
	assert.Equal(t, "sequences[0].steps[0].node.id: is required; again", multi.Message)
	assert.Equal(t, 1, multi.Details["warningCount"])

	r.AddError("sequences[1]", ErrCodeValidation, "no steps")
	r.AddError("sequences[2]", ErrCodeValidation, "no steps")
	var many *ActError
	require.True(t, errors.As(r.ToError(), &many))
	assert.Equal(t, "sequences[0].steps[0].node.id: is required; again; sequences[1]: no steps (and 1 more)", many.Message)
	assert.Equal(t, 4, many.Details["errorCount"])
}

func TestValidationResult_HasCode(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("sequences", ErrCodeCycleDetected, "warning only")
	assert.False(t, r.HasCode(ErrCodeCycleDetected))

	r.AddError("sequences", ErrCodeCycleDetected, "source cycle")
	assert.True(t, r.HasCode(ErrCodeCycleDetected))
	assert.False(t, r.HasCode(ErrCodeValidation))
}
