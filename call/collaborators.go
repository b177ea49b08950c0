package call

import "time"

// Directory is the public-key directory collaborator. FetchPublicKeys may
// return a partial map (offline or unknown devices are simply absent);
// callers treat missing entries as skip-this-participant, never as a
// failure of the whole operation. Keys of the returned map are
// "userID_deviceID".
type Directory interface {
	FetchPublicKeys(userIDs []string) (map[string]string, error)
}

// MessageSender delivers a control message to one specific device over
// the external signaling channel. Implementations are asynchronous-safe:
// callers never hold key-store locks across a Send.
type MessageSender interface {
	SendControl(userID, deviceID string, msg ControlMessage) error
}

// Liveness is the call-liveness oracle consulted by scheduled tasks
// before touching key state. A scheduled key application for a call that
// has ended is silently abandoned.
type Liveness interface {
	IsConnected(callID string) bool
}

// Scheduler defers a function by a duration. The default implementation
// uses time.AfterFunc; tests substitute a manual scheduler to fire tasks
// deterministically.
type Scheduler interface {
	Schedule(d time.Duration, fn func())
}

// TimerScheduler schedules with the runtime timer heap.
type TimerScheduler struct{}

// Schedule runs fn in its own goroutine after d elapses.
func (TimerScheduler) Schedule(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}
