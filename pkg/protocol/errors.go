package protocol

// Error codes carried in ErrorShape.Code.
const (
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrUnavailable        = "UNAVAILABLE"
	ErrAgentTimeout       = "AGENT_TIMEOUT"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrFailedPrecondition = "FAILED_PRECONDITION"
	ErrInternal           = "INTERNAL"

	// ErrAttemptsExhausted means the agent gave up after agent.max_attempts failed executions.
	ErrAttemptsExhausted = "ATTEMPTS_EXHAUSTED"
)
