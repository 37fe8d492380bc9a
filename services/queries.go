package services

import (
	"database/sql"
	"time"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/wad"
	"github.com/ethereum/go-ethereum/common"
)

// Queries are read-only transactions against the last committed state.
// They never block behind in-flight writes beyond their commit point.

// HasRole reports whether the identity holds a live (active, unexpired)
// credential for the role.
func (s *Service) HasRole(identity models.Identity, role models.RoleID) (bool, error) {
	tx, err := s.readTx()
	if err != nil {
		return false, err
	}
	defer rollback(tx)

	cred, err := s.getCredentialTx(tx, identity, role)
	if err != nil {
		return false, err
	}
	return cred != nil && cred.Live(s.clock.Now()), nil
}

// GetCredential returns the stored record for (identity, role),
// regardless of its lifecycle state.
func (s *Service) GetCredential(identity models.Identity, role models.RoleID) (*models.Credential, error) {
	tx, err := s.readTx()
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	cred, err := s.getCredentialTx(tx, identity, role)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, &NotFoundError{"no credential for this identity and role"}
	}
	return cred, nil
}

// CredentialByToken resolves a credential token ID. Used for roleOf
// lookups; stale token IDs from before a re-issuance resolve to nothing.
func (s *Service) CredentialByToken(tokenID common.Hash) (*models.Credential, error) {
	tx, err := s.readTx()
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	stmt := tx.Stmt(s.credentialByTokStmt)
	defer stmt.Close()
	cred, err := scanCredential(stmt.QueryRow(tokenID.Bytes()))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{"no credential with this token ID"}
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// RoleOf returns the role behind a credential token ID.
func (s *Service) RoleOf(tokenID common.Hash) (models.RoleID, error) {
	cred, err := s.CredentialByToken(tokenID)
	if err != nil {
		return 0, err
	}
	return cred.Role, nil
}

// WeightOf returns the identity's total decayed weight across all live
// credentials. Cost is bounded by maxRolesPerIdentity, enforced at
// issuance.
func (s *Service) WeightOf(identity models.Identity) (wad.Wad, error) {
	return s.weight(identity, 0, false)
}

// WeightOfForTopic restricts the sum to roles whose topic mask
// intersects the query mask.
func (s *Service) WeightOfForTopic(identity models.Identity, topics models.TopicMask) (wad.Wad, error) {
	return s.weight(identity, topics, true)
}

func (s *Service) weight(identity models.Identity, topics models.TopicMask, filtered bool) (wad.Wad, error) {
	cfg := s.config()
	now := s.clock.Now()
	curve := cfg.curve()

	tx, err := s.readTx()
	if err != nil {
		return wad.Zero(), err
	}
	defer rollback(tx)

	stmt := tx.Stmt(s.listCredentialsStmt)
	defer stmt.Close()
	rows, err := stmt.Query(identity.Bytes())
	if err != nil {
		return wad.Zero(), err
	}
	defer rows.Close()

	total := wad.Zero()
	for rows.Next() {
		cred, mask, err := scanCredentialWithMask(rows)
		if err != nil {
			return wad.Zero(), err
		}
		if !cred.Live(now) {
			continue
		}
		if filtered && !mask.Intersects(topics) {
			continue
		}
		multiplier := curve.Multiplier(now.Sub(cred.LastActivity))
		total = total.Add(cred.WeightWad.Mul(multiplier))
	}
	if err := rows.Err(); err != nil {
		return wad.Zero(), err
	}
	return total, nil
}

// Events returns the identity's audit trail in append order.
func (s *Service) Events(identity models.Identity) ([]models.Event, error) {
	tx, err := s.readTx()
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	stmt := tx.Stmt(s.getEventsStmt)
	defer stmt.Close()
	rows, err := stmt.Query(identity.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e     models.Event
			ts    int64
			rawID []byte
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Type, &rawID, &e.Role, &e.Detail); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0)
		e.Identity = common.BytesToAddress(rawID)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetIssuer returns the current issuer record, including the generation
// an issuer must present in its capability.
func (s *Service) GetIssuer(id models.Identity) (*models.Issuer, error) {
	tx, err := s.readTx()
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	issuer, err := s.getIssuerTx(tx, id)
	if err != nil {
		return nil, err
	}
	if issuer == nil {
		return nil, &NotFoundError{"no such issuer"}
	}
	return issuer, nil
}

// Transfer exists only to reject: credentials are bound to the identity
// they were issued to, and no operation moves them.
func (s *Service) Transfer(models.Identity, models.Identity, models.RoleID) error {
	s.m.Counter("transfer_rejected").Inc()
	s.logger.Warn("Rejected credential transfer attempt")
	return &TransferDisabledError{}
}

// scanCredentialWithMask maps one row of the credentials/role_configs
// join.
func scanCredentialWithMask(rows *sql.Rows) (*models.Credential, models.TopicMask, error) {
	var (
		identity, issuer          []byte
		tokenID, evidenceHash     []byte
		weightStr, uri            string
		expiresAt, lastActivity   int64
		active                    bool
		role                      models.RoleID
		version, issuerGeneration uint64
		mask                      uint64
	)
	if err := rows.Scan(&identity, &role, &tokenID, &weightStr, &expiresAt, &lastActivity,
		&active, &version, &evidenceHash, &uri, &issuer, &issuerGeneration, &mask); err != nil {
		return nil, 0, err
	}
	weight, err := wad.FromString(weightStr)
	if err != nil {
		return nil, 0, err
	}
	return &models.Credential{
		Identity:         common.BytesToAddress(identity),
		Role:             role,
		TokenID:          common.BytesToHash(tokenID),
		WeightWad:        weight,
		ExpiresAt:        time.Unix(expiresAt, 0),
		LastActivity:     time.Unix(lastActivity, 0),
		Active:           active,
		Version:          version,
		EvidenceHash:     common.BytesToHash(evidenceHash),
		URI:              uri,
		Issuer:           common.BytesToAddress(issuer),
		IssuerGeneration: issuerGeneration,
	}, models.TopicMask(mask), nil
}
