package protocol

import "github.com/gorilla/websocket"

// Close codes used by the gateway. These follow RFC 6455 semantics:
// 1000 for normal closure and shutdown, 1001 when the server gives up on
// a peer (heartbeat, session expiry), 1008 for policy rejections (origin,
// auth, lockout) and 1013 when the extension slot table is full.
const (
	CloseNormal            = websocket.CloseNormalClosure
	CloseGoingAway         = websocket.CloseGoingAway
	ClosePolicyViolation   = websocket.ClosePolicyViolation
	CloseTryAgainLater     = websocket.CloseTryAgainLater
	CloseProtocolError     = websocket.CloseProtocolError
	CloseInternalServerErr = websocket.CloseInternalServerErr
)

// Close reasons sent alongside the codes above.
const (
	ReasonShutdown         = "Server shutting down"
	ReasonHeartbeatTimeout = "Heartbeat timeout"
	ReasonSessionExpired   = "Session expired"
	ReasonAuthFailed       = "Authentication failed"
	ReasonAuthTimeout      = "Authentication timeout"
	ReasonOriginRejected   = "Origin not allowed"
	ReasonAtCapacity       = "Too many extensions"
)
