// Package tserr defines the error taxonomy shared across the engine.
//
// Errors propagate as Go error values wrapped with the sentinels below,
// never as exceptions. The one case that has no recoverable return path —
// an allocation failure while already handling something that cannot be
// reported normally — goes through Fatal, which writes directly to stderr
// via internal/platform and aborts the process.
package tserr

import (
	"errors"
	"fmt"
	"os"

	"github.com/gotsp/tsproc/internal/platform"
)

// Sentinel errors for the conditions spec.md §7 names explicitly.
var (
	// ErrConfiguration covers invalid CLI, unknown plugin, conflicting options.
	ErrConfiguration = errors.New("configuration error")
	// ErrPluginStart covers a plugin failing to start or restart.
	ErrPluginStart = errors.New("plugin start failure")
	// ErrSyncLost is raised when an input packet's sync byte is not 0x47.
	ErrSyncLost = errors.New("transport stream synchronization lost")
	// ErrConflict covers a PSI merge or mux conflict (duplicate service_id, EMM PID, etc).
	ErrConflict = errors.New("PSI/SI conflict")
	// ErrQueueOverflow covers EIT backlog overflow and other bounded-queue drops.
	ErrQueueOverflow = errors.New("queue overflow")
	// ErrTimeout covers a waitWork/control-server timeout expiry.
	ErrTimeout = errors.New("operation timed out")
	// ErrAborted is returned by an executor operation once the executor has aborted.
	ErrAborted = errors.New("executor aborted")
)

// ExecutorError wraps an error with the index and name of the plugin
// executor in which it originated, so logs can be attributed per-stage.
type ExecutorError struct {
	Index int
	Name  string
	Err   error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("plugin[%d] %s: %v", e.Index, e.Name, e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// NewExecutorError wraps err with the originating executor's identity.
func NewExecutorError(index int, name string, err error) *ExecutorError {
	return &ExecutorError{Index: index, Name: name, Err: err}
}

// ConflictError describes a single PSI/SI identifier conflict between two
// input streams (duplicate service_id, EMM PID, transport_stream_id, ...).
type ConflictError struct {
	Table string // "PAT", "CAT", "SDT", "NIT", "BAT"
	Kind  string // e.g. "service_id", "ca_pid"
	ID    uint32
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: duplicate %s %d (0x%x) from two streams", e.Table, e.Kind, e.ID, e.ID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// ConfigurationError describes an invalid configuration or CLI argument.
// It always corresponds to CLI exit code 2.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// NewConfigurationError builds a ConfigurationError for the named field.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// ExitCode maps an error to the process exit code described in spec.md §6:
// 0 normal, 1 processing error, 2 CLI/configuration error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrConfiguration) {
		return 2
	}
	return 1
}

// Fatal writes a preformatted message directly to stderr, bypassing the
// logging framework and any further allocation beyond the fixed preamble,
// then terminates the process. Use only for invariant violations that
// cannot be reported through the normal error-return path, such as a
// double release of an already-released mutex guard.
func Fatal(msg string) {
	platform.StderrWriteRaw([]byte("fatal: " + msg + "\n"))
	os.Exit(1)
}
