package attestation

import (
	"time"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/util"
)

// SecpVerifier authenticates claims signed with a secp256k1 key over the
// canonical claim digest. The recovered signer must equal the declared
// attester.
type SecpVerifier struct {
	schema SchemaID
}

func NewSecpVerifier(schema SchemaID) *SecpVerifier {
	return &SecpVerifier{schema: schema}
}

func (v *SecpVerifier) Verify(claim *Claim, recipient models.Identity, now time.Time, margin time.Duration) (*RoleAssignment, error) {
	if claim.Schema != v.schema {
		return nil, ErrSchemaMismatch
	}
	if claim.Recipient != recipient {
		return nil, ErrWrongRecipient
	}
	if !weightEncodable(claim.WeightWad) {
		return nil, ErrMalformed
	}

	signer, err := util.RecoverAddressFromDigest(claim.SigningDigest(), claim.Signature)
	if err != nil || *signer != claim.Attester {
		return nil, ErrBadSignature
	}

	if err := checkExpiry(claim.ExpiresAt, now, margin); err != nil {
		return nil, err
	}

	return decode(claim)
}

// decode maps a checked claim onto its role-assignment tuple. A claim
// without a role or expiry is not a role assignment.
func decode(claim *Claim) (*RoleAssignment, error) {
	if !claim.Role.Valid() || claim.ExpiresAt == 0 || !weightEncodable(claim.WeightWad) {
		return nil, ErrMalformed
	}
	if (claim.UID == SchemaID{}) {
		return nil, ErrMalformed
	}
	return &RoleAssignment{
		UID:          claim.UID,
		Identity:     claim.Recipient,
		Role:         claim.Role,
		Attester:     claim.Attester,
		WeightWad:    claim.WeightWad,
		ExpiresAt:    time.Unix(claim.ExpiresAt, 0),
		URI:          claim.URI,
		EvidenceHash: claim.EvidenceHash,
	}, nil
}
