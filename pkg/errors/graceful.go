// Package errors turns fatal startup and runtime failures of the daemon into
// a logged reason and a process exit code.
package errors

import (
	"context"
	"fmt"
	"os"

	"github.com/migadu/eaf/logger"
)

// Exit codes returned by cmd/eaf.
const (
	ExitRuntime = 1 // a listener or service failed
	ExitConfig  = 2 // the configuration could not be loaded or is invalid
)

// GracefulError names the operation that failed.
type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error { return g.Err }

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler keeps the exit code of the first reported failure; later
// reports are logged but do not change it.
type ErrorHandler struct {
	exit chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exit: make(chan int, 1)}
}

func (eh *ErrorHandler) report(code int, msg string, args ...any) {
	logger.Error(msg, args...)
	select {
	case eh.exit <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.report(ExitRuntime, "Fatal error", "error", NewGracefulError(operation, err))
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	msg := "Failed to load configuration file"
	if os.IsNotExist(err) {
		msg = "Configuration file not found"
	}
	eh.report(ExitConfig, msg, "path", configPath, "error", err)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.report(ExitConfig, "Invalid configuration", "field", field, "error", err)
}

// WaitForExit blocks until a failure was reported and returns its code.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exit
}

// Shutdown logs whether the stop was requested (ctx cancelled) or not.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	if ctx.Err() != nil {
		logger.Info("Graceful shutdown initiated")
		return
	}
	logger.Warn("Unexpected shutdown")
}
