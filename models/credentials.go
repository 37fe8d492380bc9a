package models

import (
	"time"

	"github.com/attestry/registry-api/wad"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Credential is the per-(identity, role) record. Exactly one exists per
// pair at a time; re-issuance overwrites it and bumps Version.
type Credential struct {
	Identity     Identity
	Role         RoleID
	TokenID      common.Hash
	WeightWad    wad.Wad
	ExpiresAt    time.Time
	LastActivity time.Time
	Active       bool
	Version      uint64

	// Opaque off-registry references, never interpreted here.
	EvidenceHash common.Hash
	URI          string

	// Issuer that granted the credential, with the issuer generation
	// current at issuance time.
	Issuer           Identity
	IssuerGeneration uint64
}

// Live reports whether the credential contributes weight at the given
// time. Revoked and expired credentials contribute exactly zero.
func (c *Credential) Live(now time.Time) bool {
	return c.Active && now.Before(c.ExpiresAt)
}

// CredentialTokenID derives the stable external identifier for a
// credential. Version strictly increases across re-issuances, so a token
// ID is never reused.
func CredentialTokenID(identity Identity, role RoleID, version uint64) common.Hash {
	buf := make([]byte, 0, common.AddressLength+1+8)
	buf = append(buf, identity.Bytes()...)
	buf = append(buf, byte(role))
	for shift := 56; shift >= 0; shift -= 8 {
		buf = append(buf, byte(version>>uint(shift)))
	}
	return crypto.Keccak256Hash(buf)
}

// RoleConfig is the admin-managed configuration for one role.
type RoleConfig struct {
	Role      RoleID
	WeightWad wad.Wad
	TopicMask TopicMask
}

// Issuer is an identity authorized to issue and revoke credentials.
// Generation is bumped when the issuer is removed, so capability tokens
// referencing an older generation are permanently invalid.
type Issuer struct {
	ID         Identity
	Active     bool
	Generation uint64
}

// IssuerCapability is the token presented by an issuer on mutating
// calls. Both fields must match the current issuer record.
type IssuerCapability struct {
	Issuer     Identity
	Generation uint64
}
