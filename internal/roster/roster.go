// Package roster resolves user identities to profile details (display name,
// avatar) for events the relay synthesizes on a user's behalf.
//
// The relay never stores profiles itself; in production the directory is
// backed by the account service, while tests and single-binary deployments
// use the in-memory implementation.
package roster

import "sync"

// Profile is the subset of account data the relay attaches to outgoing
// events.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// Directory answers profile lookups. Implementations must be safe for
// concurrent use and must not block on network calls from the signaling hot
// path; a missing user yields ok == false.
type Directory interface {
	Profile(userID string) (Profile, bool)
}

// MemoryDirectory is a Directory held entirely in memory. Entries are fed by
// authentication: each successful login records the identity's display name.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		profiles: make(map[string]Profile),
	}
}

func (d *MemoryDirectory) Profile(userID string) (Profile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	return p, ok
}

// Put records or replaces the profile for userID.
func (d *MemoryDirectory) Put(userID string, p Profile) {
	d.mu.Lock()
	d.profiles[userID] = p
	d.mu.Unlock()
}

// DisplayName returns the stored display name, falling back to the user ID
// itself so synthesized events always carry something presentable.
func DisplayName(d Directory, userID string) string {
	if d != nil {
		if p, ok := d.Profile(userID); ok && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	return userID
}
