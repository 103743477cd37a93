// ABOUTME: Error taxonomy shared by the engine and the wire protocol
// ABOUTME: Sentinel errors and their stable wire codes
package protocol

import "errors"

var (
	ErrNotInitialized      = errors.New("engine not initialized")
	ErrInvalidArguments    = errors.New("invalid arguments")
	ErrStrategyFailure     = errors.New("strategy failed")
	ErrTimeout             = errors.New("timed out")
	ErrPlatformUnsupported = errors.New("platform unsupported")
	ErrCleanup             = errors.New("cleanup step failed")
)

// Wire error codes
const (
	CodeNotInitialized      = "NOT_INITIALIZED"
	CodeInvalidArguments    = "INVALID_ARGS"
	CodeStrategyFailure     = "STRATEGY_FAILURE"
	CodeTimeout             = "TIMEOUT"
	CodePlatformUnsupported = "PLATFORM_UNSUPPORTED"
	CodeCleanup             = "CLEANUP_ERROR"
	CodeUnknownMethod       = "UNKNOWN_METHOD"
	CodeInternal            = "INTERNAL"
)

// ErrorCode maps an error onto its wire code
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrInvalidArguments):
		return CodeInvalidArguments
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrPlatformUnsupported):
		return CodePlatformUnsupported
	case errors.Is(err, ErrStrategyFailure):
		return CodeStrategyFailure
	case errors.Is(err, ErrCleanup):
		return CodeCleanup
	default:
		return CodeInternal
	}
}
