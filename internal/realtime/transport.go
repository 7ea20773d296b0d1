package realtime

// Transport is the room based socket layer the core fans messages out through.
// Emitting must not block on a slow client.
type Transport interface {
	Join(socketID, room string) error
	Leave(socketID, room string) error
	EmitToRoom(room, event string, payload any) error
	Emit(socketID, event string, payload any) error
	// Close flushes what is queued for the socket, then closes it.
	Close(socketID string) error
	Connected(socketID string) bool
}

// Client facing event names.
const (
	EventEnvelope = "event"

	EventConnectionEstablished = "connection:established"
	EventConnectionError       = "connection:error"

	EventHeartbeatPing = "heartbeat:ping"
	EventHeartbeatPong = "heartbeat:pong"

	EventPollSubscribe          = "poll:subscribe"
	EventPollSubscribeSuccess   = "poll:subscribe:success"
	EventPollSubscribeError     = "poll:subscribe:error"
	EventPollUnsubscribe        = "poll:unsubscribe"
	EventPollUnsubscribeSuccess = "poll:unsubscribe:success"
	EventPollUnsubscribeError   = "poll:unsubscribe:error"

	EventReconnect         = "reconnect"
	EventReplayStart       = "event:replay:start"
	EventReplayUnavailable = "event:replay:unavailable"
	EventReplayComplete    = "event:replay:complete"
)

// SessionRoom names the room of every socket viewing a session.
func SessionRoom(sessionID string) string {
	return sessionID
}

// PollRoom names the room of the sockets subscribed to one poll.
func PollRoom(pollID string) string {
	return "poll:" + pollID
}

func PollUpdatedEvent(pollID string) string {
	return "poll:" + pollID + ":updated"
}

func PollVoteSubmittedEvent(pollID string) string {
	return "poll:" + pollID + ":vote-submitted"
}
