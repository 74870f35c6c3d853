package errors

import (
	"context"
	stderrors "errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGracefulErrorWraps(t *testing.T) {
	base := stderrors.New("bind: address in use")
	err := NewGracefulError("start LMTP server", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "operation 'start LMTP server' failed: bind: address in use", err.Error())
}

func TestErrorHandlerKeepsFirstExitCode(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("/etc/eaf/config.toml", os.ErrNotExist)
	eh.FatalError("later", stderrors.New("ignored"))
	assert.Equal(t, 2, eh.WaitForExit())
}

func TestErrorHandlerFatal(t *testing.T) {
	eh := NewErrorHandler()
	eh.FatalError("start relay worker", stderrors.New("spool unreadable"))
	assert.Equal(t, 1, eh.WaitForExit())
}

func TestShutdownDoesNotBlock(t *testing.T) {
	eh := NewErrorHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eh.Shutdown(ctx)
	eh.Shutdown(context.Background())
}
