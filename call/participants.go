package call

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Participant is one device in the call. Exactly one participant holds
// the rotation-host role at any time; the flag is propagated by the
// external directory and transferred by handover_host messages.
type Participant struct {
	UserID   string
	DeviceID string
	IsHost   bool
}

// Key returns the directory map key for this participant.
func (p Participant) Key() string {
	return p.UserID + "_" + p.DeviceID
}

// Roster tracks the participants of one call, including this device, and
// answers host-role queries for the rotation and recovery services.
type Roster struct {
	mu     sync.RWMutex
	self   Participant
	others map[string]Participant
}

// NewRoster creates a roster containing only this device.
func NewRoster(self Participant) *Roster {
	return &Roster{
		self:   self,
		others: make(map[string]Participant),
	}
}

// Self returns this device's participant record.
func (r *Roster) Self() Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// SelfIsHost reports whether this device holds the rotation-host role.
func (r *Roster) SelfIsHost() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self.IsHost
}

// Upsert adds or updates a remote participant.
func (r *Roster) Upsert(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.others[p.Key()] = p
}

// Remove drops a remote participant from the roster.
func (r *Roster) Remove(userID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.others, userID+"_"+deviceID)
}

// Others returns the remote participants.
func (r *Roster) Others() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.others))
	for _, p := range r.others {
		out = append(out, p)
	}
	return out
}

// OtherUserIDs returns the remote participants' user IDs for directory
// lookups, deduplicated across devices.
func (r *Roster) OtherUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.others))
	ids := make([]string, 0, len(r.others))
	for _, p := range r.others {
		if _, ok := seen[p.UserID]; ok {
			continue
		}
		seen[p.UserID] = struct{}{}
		ids = append(ids, p.UserID)
	}
	return ids
}

// Host returns the participant currently holding the rotation-host role.
func (r *Roster) Host() (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.self.IsHost {
		return r.self, true
	}
	for _, p := range r.others {
		if p.IsHost {
			return p, true
		}
	}
	return Participant{}, false
}

// ApplyHandover transfers the host role to the participant with the given
// user ID, clearing it everywhere else. Reports whether this device became
// the host.
func (r *Roster) ApplyHandover(newHostUserID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.self.IsHost = r.self.UserID == newHostUserID
	for k, p := range r.others {
		p.IsHost = p.UserID == newHostUserID
		r.others[k] = p
	}

	logrus.WithFields(logrus.Fields{
		"function":     "ApplyHandover",
		"new_host":     newHostUserID,
		"self_is_host": r.self.IsHost,
	}).Info("Rotation host role transferred")

	return r.self.IsHost
}
