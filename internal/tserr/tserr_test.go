package tserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(NewConfigurationError("control.port", "out of range")))
	assert.Equal(t, 1, ExitCode(ErrSyncLost))
	assert.Equal(t, 1, ExitCode(errors.New("unrelated")))
}

func TestExecutorError_Unwrap(t *testing.T) {
	err := NewExecutorError(2, "drop", ErrSyncLost)
	assert.ErrorIs(t, err, ErrSyncLost)
	assert.Contains(t, err.Error(), "plugin[2] drop")
}

func TestConflictError(t *testing.T) {
	err := &ConflictError{Table: "PAT", Kind: "service_id", ID: 1}
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "PAT conflict")
}

func TestConfigurationError_NoField(t *testing.T) {
	err := NewConfigurationError("", "missing input plugin")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, "configuration error: missing input plugin", err.Error())
}
