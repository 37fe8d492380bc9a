// Package attestation authenticates externally-supplied role-assignment
// claims. A Verifier performs only the stateless checks (schema,
// recipient, signature, expiry margin); allow-list membership and
// replay protection are registry state and are enforced inside the
// issuing transaction.
package attestation

import (
	"time"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/wad"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SchemaID identifies the claim layout a verifier accepts.
type SchemaID = common.Hash

// DefaultSchema is the identity-role assignment schema.
var DefaultSchema = crypto.Keccak256Hash([]byte("registry.role-assignment.v1"))

// Claim is the wire form of an attestation. Secp-signed claims carry
// Signature over SigningDigest(); JWT claims carry the compact token in
// Token and leave the signature empty.
type Claim struct {
	Schema    SchemaID        `json:"schema"`
	UID       common.Hash     `json:"uid"`
	Recipient models.Identity `json:"recipient"`
	Role      models.RoleID   `json:"role"`
	// WeightWad overrides the role default weight; zero means "use the
	// role default".
	WeightWad    wad.Wad         `json:"weightWad"`
	ExpiresAt    int64           `json:"expiresAt"`
	URI          string          `json:"uri,omitempty"`
	EvidenceHash common.Hash     `json:"evidenceHash"`
	Attester     models.Identity `json:"attester"`

	Signature []byte `json:"signature,omitempty"`
	Token     string `json:"token,omitempty"`
}

// SigningDigest returns the canonical digest an attester signs: keccak256
// over the packed claim fields. The URI is hashed first so the digest
// layout is fixed-width.
func (c *Claim) SigningDigest() common.Hash {
	buf := make([]byte, 0, 32*6+20*2+1+8)
	buf = append(buf, c.Schema.Bytes()...)
	buf = append(buf, c.UID.Bytes()...)
	buf = append(buf, c.Recipient.Bytes()...)
	buf = append(buf, byte(c.Role))
	weight := make([]byte, 32)
	c.WeightWad.Big().FillBytes(weight)
	buf = append(buf, weight...)
	for shift := 56; shift >= 0; shift -= 8 {
		buf = append(buf, byte(uint64(c.ExpiresAt)>>uint(shift)))
	}
	buf = append(buf, crypto.Keccak256([]byte(c.URI))...)
	buf = append(buf, c.EvidenceHash.Bytes()...)
	buf = append(buf, c.Attester.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// RoleAssignment is the decoded, authenticated payload of a valid claim.
type RoleAssignment struct {
	UID          common.Hash
	Identity     models.Identity
	Role         models.RoleID
	Attester     models.Identity
	WeightWad    wad.Wad
	ExpiresAt    time.Time
	URI          string
	EvidenceHash common.Hash
}
