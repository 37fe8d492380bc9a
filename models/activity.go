package models

import (
	"sync"
	"time"
)

// ActivityRecord is one recognized external activity observation, e.g.
// a governance vote cast by a credential holder.
type ActivityRecord struct {
	Identity  Identity  `json:"identity"`
	Role      RoleID    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

type activityKey struct {
	identity  Identity
	role      RoleID
	timestamp int64
}

// ActivityRegistry remembers which external activity observations have
// already been turned into heartbeats, so the sync task does not apply
// the same observation twice. It is periodically updated by
// SyncActivityTask.
type ActivityRegistry struct {
	seen        map[activityKey]struct{}
	lock        sync.RWMutex
	LastUpdated time.Time
}

func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{
		seen: make(map[activityKey]struct{}),
	}
}

func key(r ActivityRecord) activityKey {
	return activityKey{identity: r.Identity, role: r.Role, timestamp: r.Timestamp.Unix()}
}

func (a *ActivityRegistry) Add(records []ActivityRecord) {
	a.lock.Lock()
	defer a.lock.Unlock()

	for _, r := range records {
		a.seen[key(r)] = struct{}{}
	}
}

func (a *ActivityRegistry) Has(r ActivityRecord) bool {
	a.lock.RLock()
	defer a.lock.RUnlock()

	_, ok := a.seen[key(r)]
	return ok
}

func (a *ActivityRegistry) Reset() {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.seen = make(map[activityKey]struct{})
}
