package models

import "time"

// EventType enumerates the audit events, exactly one per state change.
type EventType int

const (
	EventCredentialIssued EventType = iota
	EventCredentialRevoked
	EventHeartbeat
	EventRoleWeightSet
	EventTopicMaskSet
	EventIssuerAdded
	EventIssuerRemoved
	EventConfigSet
	EventPaused
	EventUnpaused
)

func (t EventType) String() string {
	switch t {
	case EventCredentialIssued:
		return "CredentialIssued"
	case EventCredentialRevoked:
		return "CredentialRevoked"
	case EventHeartbeat:
		return "Heartbeat"
	case EventRoleWeightSet:
		return "RoleWeightSet"
	case EventTopicMaskSet:
		return "TopicMaskSet"
	case EventIssuerAdded:
		return "IssuerAdded"
	case EventIssuerRemoved:
		return "IssuerRemoved"
	case EventConfigSet:
		return "ConfigSet"
	case EventPaused:
		return "Paused"
	case EventUnpaused:
		return "Unpaused"
	default:
		return "Unknown"
	}
}

// Event is one row of the append-only audit log.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Identity  Identity  `json:"identity"`
	Role      RoleID    `json:"role"`
	// Detail carries event-specific fields as a JSON document.
	Detail string `json:"detail,omitempty"`
}
