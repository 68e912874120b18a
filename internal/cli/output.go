package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/intake"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The operation ran and was refused or failed (conflict, unknown request, dispatch errors)
	ExitCommandError = 2 // Command error (bad arguments, config, database not openable)
)

// Error codes carried in JSON error responses.
const (
	CodeInvalid  = "E001"
	CodeNotFound = "E002"
	CodeConflict = "E003"
	CodeInternal = "E004"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// errorCode maps a domain error to its response code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, intake.ErrInvalid):
		return CodeInvalid
	case errors.Is(err, intake.ErrNotFound), errors.Is(err, durable.ErrInstanceNotFound):
		return CodeNotFound
	case errors.Is(err, intake.ErrConflict), errors.Is(err, intake.ErrNotAbortable),
		errors.Is(err, durable.ErrInstanceNotRunning):
		return CodeConflict
	}
	return CodeInternal
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string      `json:"status"`          // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`  // success payload
	Error  *CLIError   `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`    // "E001", "E002", etc.
	Message string `json:"message"` // human-readable message
}

// Success outputs a successful result in the configured format. In text
// format data is printed with its String method when it has one.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Fail reports err in the configured format and returns it as an ExitError
// with ExitFailure, so the command exits non-zero.
func (f *OutputFormatter) Fail(message string, err error) error {
	code := errorCode(err)
	if f.Format == "json" {
		if encErr := json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error()},
		}); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s: %v\n", code, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
