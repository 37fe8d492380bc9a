package attestation

import (
	"errors"
	"time"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/wad"
)

var (
	// ErrSchemaMismatch means the claim was produced for a different
	// schema than the one this registry accepts.
	ErrSchemaMismatch = errors.New("attestation: schema mismatch")
	// ErrWrongRecipient means the claim names a different identity than
	// the one being granted the role.
	ErrWrongRecipient = errors.New("attestation: recipient mismatch")
	// ErrBadSignature means the claim could not be authenticated as
	// coming from its declared attester.
	ErrBadSignature = errors.New("attestation: invalid signature")
	// ErrUnsafeExpiry means the claim expires within the configured
	// safety margin.
	ErrUnsafeExpiry = errors.New("attestation: expiry inside safety margin")
	// ErrMalformed means the claim payload does not decode to a
	// role-assignment tuple.
	ErrMalformed = errors.New("attestation: malformed claim")
)

// Verifier authenticates a claim and decodes its role assignment. The
// concrete attestation scheme is swappable; the registry depends only on
// this interface.
type Verifier interface {
	// Verify runs the stateless claim checks in order: schema,
	// recipient, attester authentication, expiry safety margin, payload
	// decode. It never touches registry state.
	Verify(claim *Claim, recipient models.Identity, now time.Time, margin time.Duration) (*RoleAssignment, error)
}

// weightEncodable reports whether a claim weight fits the unsigned
// 32-byte field of the signing digest. Negative weights have no
// encoding there (the digest would drop the sign, so a sign flip would
// survive signature verification), and values of 256 bits or more do
// not fit at all. Both make the claim malformed, checked before any
// digest is computed.
func weightEncodable(w wad.Wad) bool {
	v := w.Big()
	return v.Sign() >= 0 && v.BitLen() <= 256
}

// checkExpiry rejects claims whose expiry (if set) is not at least the
// safety margin beyond now.
func checkExpiry(expiresAt int64, now time.Time, margin time.Duration) error {
	if expiresAt == 0 {
		return nil
	}
	if time.Unix(expiresAt, 0).Before(now.Add(margin)) {
		return ErrUnsafeExpiry
	}
	return nil
}
