package websocket

// Action constants for WebSocket messages.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session control actions (client -> server), mirroring the HTTP adapter's
	// session lifecycle operations for clients that prefer a single duplex
	// connection over HTTP+SSE.
	ActionSessionGet    = "session.get"
	ActionSessionList   = "session.list"
	ActionSessionPause  = "session.pause"
	ActionSessionResume = "session.resume"
	ActionSessionStop   = "session.stop"
	ActionSessionCancel = "session.cancel"

	// Subscription actions (client -> server)
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client): status events go out as
	// session.status_changed, every other Event as session.event.
	ActionSessionEvent         = "session.event"
	ActionSessionStatusChanged = "session.status_changed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
