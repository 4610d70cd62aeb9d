package session

import "errors"

// Errors returned by host and client operations. The messages are part of
// the observable behaviour and match what applications have historically
// matched on.
var (
	ErrConnection         = errors.New("connection error")
	ErrTimeout            = errors.New("Connection Timed out")
	ErrNotInitialized     = errors.New("Client not initialized")
	ErrNotConnected       = errors.New("Not connected to a room")
	ErrNotFound           = errors.New("Client not found")
	ErrRoomNotFound       = errors.New("Room not found")
	ErrRoomAlreadyCreated = errors.New("room already created")
	ErrClosed             = errors.New("session closed")
)

// AuthHint is logged next to authentication failures.
const AuthHint = "Check that your projectId and apiToken are correct."
