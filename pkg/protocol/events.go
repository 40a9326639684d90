package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventHealth   = "health"
	EventShutdown = "shutdown"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted     = "run.started"
	AgentEventAttemptStarted = "attempt.started"
	AgentEventAttemptFailed  = "attempt.failed"
	AgentEventRunCompleted   = "run.completed"
	AgentEventRunFailed      = "run.failed"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventMessage = "message"
	ChatEventChunk   = "chunk"
)
