// Package call implements the control plane of group-call key management:
// the rotation coordinator run by the call's host, the emergency key
// recovery exchange, the inbound control-message dispatcher, and the
// participant roster with its rotation-host role.
//
// The package owns no transport. Control messages travel over an external
// per-device pub/sub channel reached through the MessageSender interface;
// no delivery ordering is assumed, and the session package's backup and
// future key windows absorb loss and reordering.
package call
