package models

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Identity is an opaque principal identifier (a secp256k1 address).
type Identity = common.Address

// RoleID names a capability category. Roles are configured by admins,
// never created dynamically.
type RoleID uint8

const (
	RoleCode RoleID = iota
	RoleValidator
	RoleGov
	RoleRWACurator

	numRoles
)

func (r RoleID) String() string {
	switch r {
	case RoleCode:
		return "CODE"
	case RoleValidator:
		return "VALIDATOR"
	case RoleGov:
		return "GOV"
	case RoleRWACurator:
		return "RWA_CURATOR"
	default:
		return fmt.Sprintf("ROLE(%d)", uint8(r))
	}
}

func (r RoleID) Valid() bool {
	return r < numRoles
}

// ParseRole maps a role name to its ID, case-insensitively.
func ParseRole(name string) (RoleID, error) {
	switch strings.ToUpper(name) {
	case "CODE":
		return RoleCode, nil
	case "VALIDATOR":
		return RoleValidator, nil
	case "GOV":
		return RoleGov, nil
	case "RWA_CURATOR":
		return RoleRWACurator, nil
	default:
		return 0, fmt.Errorf("unknown role %q", name)
	}
}

// TopicMask is a set of governance topics, one bit per topic. A role's
// mask determines which topics its weight counts toward.
type TopicMask uint64

const (
	TopicParams TopicMask = 1 << iota
	TopicTreasury
	TopicUpgrade
	TopicEmergency
)

// Intersects reports whether the two masks share at least one topic.
func (m TopicMask) Intersects(o TopicMask) bool {
	return m&o != 0
}
