package attestation

import (
	"time"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/wad"
	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is the JWT layout for a role assignment. The registered
// issuer is the attester address, the subject the recipient.
type tokenClaims struct {
	Schema       string `json:"schema"`
	UID          string `json:"uid"`
	Role         string `json:"role"`
	WeightWad    string `json:"weightWad,omitempty"`
	URI          string `json:"uri,omitempty"`
	EvidenceHash string `json:"evidenceHash,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier authenticates claims carried as HMAC-signed JWTs, one
// shared key per attester. An alternative to SecpVerifier for attesters
// that cannot produce secp256k1 signatures.
type JWTVerifier struct {
	schema SchemaID
	keys   map[models.Identity][]byte
	parser *jwt.Parser
}

func NewJWTVerifier(schema SchemaID, keys map[models.Identity][]byte) *JWTVerifier {
	return &JWTVerifier{
		schema: schema,
		keys:   keys,
		// Expiry is validated separately so the safety-margin rule is
		// applied instead of plain exp-in-the-past.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

func (v *JWTVerifier) Verify(claim *Claim, recipient models.Identity, now time.Time, margin time.Duration) (*RoleAssignment, error) {
	if claim.Token == "" {
		return nil, ErrMalformed
	}

	// Decode without verification first: schema and recipient checks
	// come before attester authentication.
	var tc tokenClaims
	if _, _, err := v.parser.ParseUnverified(claim.Token, &tc); err != nil {
		return nil, ErrMalformed
	}

	if common.HexToHash(tc.Schema) != v.schema {
		return nil, ErrSchemaMismatch
	}
	if common.HexToAddress(tc.Subject) != recipient {
		return nil, ErrWrongRecipient
	}

	attester := common.HexToAddress(tc.Issuer)
	key, ok := v.keys[attester]
	if !ok {
		return nil, ErrBadSignature
	}
	if _, err := v.parser.ParseWithClaims(claim.Token, &tokenClaims{}, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return nil, ErrBadSignature
	}

	var expiresAt int64
	if tc.ExpiresAt != nil {
		expiresAt = tc.ExpiresAt.Unix()
	}
	if err := checkExpiry(expiresAt, now, margin); err != nil {
		return nil, err
	}

	role, err := models.ParseRole(tc.Role)
	if err != nil {
		return nil, ErrMalformed
	}
	weight := wad.Zero()
	if tc.WeightWad != "" {
		if weight, err = wad.FromString(tc.WeightWad); err != nil || !weightEncodable(weight) {
			return nil, ErrMalformed
		}
	}
	uid := common.HexToHash(tc.UID)
	if (uid == common.Hash{}) || expiresAt == 0 {
		return nil, ErrMalformed
	}

	return &RoleAssignment{
		UID:          uid,
		Identity:     recipient,
		Role:         role,
		Attester:     attester,
		WeightWad:    weight,
		ExpiresAt:    time.Unix(expiresAt, 0),
		URI:          tc.URI,
		EvidenceHash: common.HexToHash(tc.EvidenceHash),
	}, nil
}
