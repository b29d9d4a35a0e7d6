// Package wire defines the JSON frames exchanged between the threadline
// broker and its WebSocket peers (chat clients and the AI worker).
//
// Frames are flat JSON objects: a required "type" field selects the handler,
// an optional client-supplied "messageId" is echoed back on the reply, and
// the remaining fields belong to that type. Decode the head first, then the
// full frame into the matching payload struct.
package wire

import "time"

// Head is the part of every inbound frame examined before dispatch.
type Head struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
}

// Inbound frame types sent by chat clients.
const (
	TypeAuthenticate      = "authenticate"
	TypeHeartbeat         = "heartbeat"
	TypeSendMessage       = "send_message"
	TypeTypingIndicator   = "typing_indicator"
	TypeCreateThread      = "create_thread"
	TypeGetThreads        = "get_threads"
	TypeGetThreadMessages = "get_thread_messages"
	TypeGetHistory        = "get_history" // alias of get_thread_messages
	TypePinThread         = "pin_thread"
	TypeArchiveThread     = "archive_thread"
)

// Inbound frame types sent only by the AI worker.
const (
	TypeAIAuth     = "ai_auth"
	TypeAIResponse = "ai_response"
	TypeAIStatus   = "ai_status"
	TypePing       = "ping"
)

// Outbound frame types.
const (
	TypeWelcome        = "welcome"
	TypeAuthSuccess    = "auth_success"
	TypeError          = "error"
	TypeMessageSent    = "message_sent"
	TypeAITyping       = "ai_typing"
	TypeAIError        = "ai_error"
	TypeThreadCreated  = "thread_created"
	TypeThreadUpdated  = "thread_updated"
	TypeThreadsList    = "threads_list"
	TypeThreadHistory  = "thread_history"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeAIAuthAck      = "ai_auth_ack"
	TypeAIRequest      = "ai_request" // broker → AI worker
	TypePong           = "pong"
	TypeServerShutdown = "server_shutdown"
)

// Error type strings carried in Error.ErrorType.
const (
	ErrValidation        = "validation_error"
	ErrAuthFailed        = "auth_failed"
	ErrAuthRequired      = "auth_required"
	ErrRateLimited       = "rate_limited"
	ErrSecurityViolation = "security_violation"
	ErrAIUnavailable     = "ai_unavailable"
	ErrNotFound          = "not_found"
	ErrInternal          = "internal_error"
)

// --- Inbound payloads (client) ---

// Authenticate carries a bearer token, or requests an anonymous identity.
type Authenticate struct {
	Token     string `json:"token,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// Heartbeat keeps the connection's activity clock fresh.
type Heartbeat struct{}

// SendMessage submits one user turn for a thread.
type SendMessage struct {
	ThreadID    string `json:"threadId"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// TypingIndicator reports the user's typing state for a thread.
type TypingIndicator struct {
	ThreadID string `json:"threadId"`
	IsTyping bool   `json:"isTyping"`
}

// CreateThread opens a new persistent conversation thread.
type CreateThread struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// GetThreads lists the caller's threads, most recently active first.
type GetThreads struct {
	Limit int `json:"limit,omitempty"`
}

// GetThreadMessages fetches recent messages of one thread.
type GetThreadMessages struct {
	ThreadID string `json:"threadId"`
	Limit    int    `json:"limit,omitempty"`
}

// PinThread sets or clears the pinned flag.
type PinThread struct {
	ThreadID string `json:"threadId"`
	IsPinned bool   `json:"isPinned"`
}

// ArchiveThread moves a thread to archived status.
type ArchiveThread struct {
	ThreadID string `json:"threadId"`
}

// --- Inbound payloads (AI worker) ---

// AIAuth authenticates a connection as the AI worker.
type AIAuth struct {
	ServiceKey string `json:"service_key"`
	CanisterID string `json:"canister_id"`
}

// AIResponse resolves a pending request. A non-empty Error field marks an
// explicit worker-side failure for that request id.
type AIResponse struct {
	RequestID        string  `json:"request_id"`
	ThreadID         string  `json:"thread_id"`
	ResponseContent  string  `json:"response_content"`
	Error            string  `json:"error,omitempty"`
	Model            string  `json:"model,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	ProcessingTimeMs int64   `json:"processing_time_ms,omitempty"`
}

// AIStatus is an unsolicited worker health report.
type AIStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// --- Outbound frames ---

// Welcome is the first frame on every accepted connection.
type Welcome struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	ServerTime   time.Time `json:"server_time"`
}

// AuthSuccess acknowledges authentication. Exactly one of UserID and
// SessionID is set.
type AuthSuccess struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Anonymous bool   `json:"anonymous"`
}

// Error is the structured failure reply for any inbound frame.
type Error struct {
	Type       string `json:"type"`
	MessageID  string `json:"messageId,omitempty"`
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds, rounded up
}

// NewError builds an error frame of the given kind.
func NewError(errType, msg string) Error {
	return Error{Type: TypeError, ErrorType: errType, Message: msg}
}

// MessageSent confirms a persisted (or accepted ephemeral) user turn.
type MessageSent struct {
	Type      string    `json:"type"`
	MessageID string    `json:"messageId,omitempty"`
	ID        string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AITyping signals assistant typing state for a thread.
type AITyping struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	IsTyping bool   `json:"is_typing"`
}

// AIResponseOut delivers the assistant's answer to the originating client.
type AIResponseOut struct {
	Type             string `json:"type"`
	RequestID        string `json:"request_id"`
	ThreadID         string `json:"thread_id"`
	Content          string `json:"content"`
	Model            string `json:"model,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms,omitempty"`
}

// AIErrorOut reports a failed or timed-out AI request to the client.
type AIErrorOut struct {
	Type       string `json:"type"`
	ThreadID   string `json:"thread_id"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"` // seconds; 0 means not retryable
}

// ThreadCreated returns the newly created thread.
type ThreadCreated struct {
	Type      string     `json:"type"`
	MessageID string     `json:"messageId,omitempty"`
	Thread    ThreadInfo `json:"thread"`
}

// ThreadUpdated returns a thread after a pin or archive change.
type ThreadUpdated struct {
	Type      string     `json:"type"`
	MessageID string     `json:"messageId,omitempty"`
	Thread    ThreadInfo `json:"thread"`
}

// ThreadsList returns the caller's threads.
type ThreadsList struct {
	Type      string       `json:"type"`
	MessageID string       `json:"messageId,omitempty"`
	Threads   []ThreadInfo `json:"threads"`
}

// ThreadHistory returns recent messages of one thread in seq order.
type ThreadHistory struct {
	Type      string        `json:"type"`
	MessageID string        `json:"messageId,omitempty"`
	ThreadID  string        `json:"thread_id"`
	Messages  []MessageInfo `json:"messages"`
}

// HeartbeatAck answers a heartbeat.
type HeartbeatAck struct {
	Type       string    `json:"type"`
	MessageID  string    `json:"messageId,omitempty"`
	ServerTime time.Time `json:"server_time"`
}

// AIAuthAck answers an ai_auth attempt.
type AIAuthAck struct {
	Type     string `json:"type"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// AIAuthOut is the credential frame the broker presents when it dials the
// worker itself.
type AIAuthOut struct {
	Type       string `json:"type"`
	ServiceKey string `json:"service_key"`
	CanisterID string `json:"canister_id"`
}

// AIRequest is the framed request the broker sends upstream.
type AIRequest struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	ThreadID  string           `json:"thread_id"`
	UserID    string           `json:"user_id,omitempty"`
	Content   string           `json:"content"`
	Context   []ContextMessage `json:"context,omitempty"`
}

// ContextMessage is one prior turn included in an AIRequest.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Pong answers the AI worker's ping.
type Pong struct {
	Type string `json:"type"`
}

// ServerShutdown warns clients before the broker exits.
type ServerShutdown struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- Shared DTOs ---

// ThreadInfo is the client-visible thread projection.
type ThreadInfo struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Pinned        bool       `json:"pinned"`
	Status        string     `json:"status"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// MessageInfo is the client-visible message projection.
type MessageInfo struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
