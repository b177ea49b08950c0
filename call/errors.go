package call

import "errors"

// Sentinel errors for call package operations.
var (
	// ErrNotHost indicates a host-only operation was attempted by a
	// participant that does not hold the rotation-host role.
	ErrNotHost = errors.New("this device is not the rotation host")

	// ErrNoHost indicates no participant currently holds the host role.
	ErrNoHost = errors.New("no rotation host in participant roster")

	// ErrNoCurrentKey indicates a key request arrived before the host
	// established a group key.
	ErrNoCurrentKey = errors.New("no current group key to share")

	// ErrCoordinatorRunning indicates Start was called twice.
	ErrCoordinatorRunning = errors.New("rotation coordinator already running")

	// ErrUnknownMessageType indicates an unrecognized control message.
	ErrUnknownMessageType = errors.New("unknown control message type")
)
