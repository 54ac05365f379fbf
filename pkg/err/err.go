package errprocess

import (
	"fmt"

	"live_conversation_service/pkg/logger"
)

// Set log err info and return a new error
func Set(errMsg string) error {
	logger.Log.Error(errMsg)
	return fmt.Errorf("%s", errMsg)
}

// Wrap log err info and return an error wrapping the given sentinel
func Wrap(sentinel error, errMsg string) error {
	logger.Log.Error(errMsg)
	return fmt.Errorf("%w: %s", sentinel, errMsg)
}
