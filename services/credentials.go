package services

import (
	"database/sql"
	"errors"
	"time"

	"github.com/attestry/registry-api/attestation"
	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/wad"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mattn/go-sqlite3"

	"go.uber.org/zap"
)

// The delay between retries when a mutating call hits a busy database.
// Values are taken from SQLite's default busy handler.
var dbTryDelayMs = []int{1, 2, 5, 10, 15, 20, 25, 25, 25, 50, 50, 100}

// issuedDetail is the CredentialIssued audit payload.
type issuedDetail struct {
	TokenID      common.Hash `json:"tokenId"`
	WeightWad    wad.Wad     `json:"weightWad"`
	ExpiresAt    int64       `json:"expiresAt"`
	URI          string      `json:"uri,omitempty"`
	EvidenceHash common.Hash `json:"evidenceHash"`
	Version      uint64      `json:"version"`
	Issuer       string      `json:"issuer"`
}

type revokedDetail struct {
	Reason  string `json:"reason"`
	Caller  string `json:"caller"`
	Version uint64 `json:"version"`
}

// IssueWithRetry issues a credential, retrying on recoverable SQLite
// contention. Registry-level rejections are never retried.
func (s *Service) IssueWithRetry(caller models.IssuerCapability, identity models.Identity, role models.RoleID, claim *attestation.Claim) (*models.Credential, error) {
	var cred *models.Credential
	var err error

	var try int
	for try = range dbTryDelayMs {
		if cred, err = s.Issue(caller, identity, role, claim); err == nil {
			break
		}

		var sqliteErr sqlite3.Error
		if !errors.As(err, &sqliteErr) {
			break
		}
		if sqliteErr.Code != sqlite3.ErrLocked && sqliteErr.Code != sqlite3.ErrBusy {
			break
		}

		sleepFor := dbTryDelayMs[try]
		s.logger.Warn("Failed to issue credential. Retrying",
			zap.Int("try", try),
			zap.Int("retryMs", sleepFor),
			zap.Error(err),
		)
		s.clock.Sleep(time.Duration(sleepFor) * time.Millisecond)
	}

	if err != nil {
		s.logger.Warn("Failed to issue credential",
			zap.Int("tries", try),
			zap.Error(err))
	}

	return cred, err
}

// Issue grants (or re-grants) a role to an identity, gated on a valid,
// unconsumed attestation claim and the issuer's epoch quota. The quota
// check, attestation consumption, and credential write commit in one
// transaction: a consumed claim always corresponds to an issued
// credential.
func (s *Service) Issue(caller models.IssuerCapability, identity models.Identity, role models.RoleID, claim *attestation.Claim) (*models.Credential, error) {
	if err := s.checkNotPaused(); err != nil {
		return nil, err
	}

	cfg := s.config()
	now := s.clock.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	if err := s.checkIssuerCapability(tx, caller); err != nil {
		return nil, err
	}

	// Epoch quota. Counters for past epochs are kept forever; the keys
	// are derived from time, so storage grows only with epochs actually
	// used.
	epoch := s.epoch(now)
	ec := tx.Stmt(s.epochCountStmt)
	defer ec.Close()
	var issued int64
	if err := ec.QueryRow(caller.Issuer.Bytes(), epoch).Scan(&issued); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if issued >= cfg.MaxIssuesPerEpoch {
		s.logger.Warn("Issuer exhausted its epoch quota",
			zap.String("issuer", caller.Issuer.Hex()),
			zap.Int64("epoch", epoch),
			zap.Int64("maxIssuesPerEpoch", cfg.MaxIssuesPerEpoch),
		)
		s.m.Counter("issue_rate_limited").Inc()
		return nil, &RateLimitedError{"issuer has exhausted its quota for this epoch"}
	}

	// Authenticate and decode the claim.
	assignment, err := s.verifier.Verify(claim, identity, now, cfg.ExpiryMargin)
	if err != nil {
		s.m.Counter("issue_invalid_attestation").Inc()
		if errors.Is(err, attestation.ErrUnsafeExpiry) {
			return nil, &UnsafeExpiryError{err.Error()}
		}
		return nil, &ValidationError{err.Error()}
	}
	if assignment.Role != role {
		return nil, &ValidationError{"claim role does not match requested role"}
	}
	if assignment.Attester != caller.Issuer {
		s.m.Counter("issue_attester_mismatch").Inc()
		return nil, &NotIssuerError{"claim attester does not match caller"}
	}

	// Replay protection: consumption is permanent.
	cc := tx.Stmt(s.claimConsumedStmt)
	defer cc.Close()
	var seen int
	err = cc.QueryRow(assignment.UID.Bytes()).Scan(&seen)
	if err == nil {
		s.m.Counter("issue_claim_replayed").Inc()
		return nil, &AlreadyConsumedError{"attestation claim was already consumed"}
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	// Role default weight and the cap on live roles per identity. The
	// cap bounds weight-query cost, so it is a hard invariant.
	rc := tx.Stmt(s.getRoleConfigStmt)
	defer rc.Close()
	var weightStr string
	var mask uint64
	if err := rc.QueryRow(role).Scan(&weightStr, &mask); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ValidationError{"role is not configured"}
		}
		return nil, err
	}
	defaultWeight, err := wad.FromString(weightStr)
	if err != nil {
		return nil, err
	}

	cl := tx.Stmt(s.countLiveRolesStmt)
	defer cl.Close()
	var liveRoles int64
	if err := cl.QueryRow(identity.Bytes(), role, now.Unix()).Scan(&liveRoles); err != nil {
		return nil, err
	}
	if liveRoles+1 > cfg.MaxRolesPerIdentity {
		s.m.Counter("issue_role_cap_exceeded").Inc()
		return nil, &RoleCapExceededError{"identity holds the maximum number of roles"}
	}

	// Version strictly increases across re-issuances of the pair, so a
	// token ID is never reused. Re-grant resets lastActivity: decay
	// history does not carry over.
	var version uint64
	existing, err := s.getCredentialTx(tx, identity, role)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		version = existing.Version + 1
	}

	weight := assignment.WeightWad
	if weight.IsZero() {
		weight = defaultWeight
	}
	tokenID := models.CredentialTokenID(identity, role, version)

	up := tx.Stmt(s.upsertCredentialStmt)
	defer up.Close()
	if _, err := up.Exec(
		identity.Bytes(), role, tokenID.Bytes(), weight.String(),
		assignment.ExpiresAt.Unix(), now.Unix(), version,
		assignment.EvidenceHash.Bytes(), assignment.URI,
		caller.Issuer.Bytes(), caller.Generation,
	); err != nil {
		return nil, err
	}

	consume := tx.Stmt(s.consumeClaimStmt)
	defer consume.Close()
	if _, err := consume.Exec(assignment.UID.Bytes(), now.Unix(), caller.Issuer.Bytes()); err != nil {
		return nil, err
	}

	bump := tx.Stmt(s.bumpEpochStmt)
	defer bump.Close()
	if _, err := bump.Exec(caller.Issuer.Bytes(), epoch); err != nil {
		return nil, err
	}

	if err := s.appendEventTx(tx, models.EventCredentialIssued, identity, role, issuedDetail{
		TokenID:      tokenID,
		WeightWad:    weight,
		ExpiresAt:    assignment.ExpiresAt.Unix(),
		URI:          assignment.URI,
		EvidenceHash: assignment.EvidenceHash,
		Version:      version,
		Issuer:       caller.Issuer.Hex(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Issued credential",
		zap.String("identity", identity.Hex()),
		zap.String("role", role.String()),
		zap.String("tokenId", tokenID.Hex()),
		zap.Uint64("version", version),
		zap.String("weightWad", weight.String()),
		zap.Int64("expiresAt", assignment.ExpiresAt.Unix()),
	)
	s.m.Counter("issue_created").Inc()

	return &models.Credential{
		Identity:         identity,
		Role:             role,
		TokenID:          tokenID,
		WeightWad:        weight,
		ExpiresAt:        assignment.ExpiresAt,
		LastActivity:     now,
		Active:           true,
		Version:          version,
		EvidenceHash:     assignment.EvidenceHash,
		URI:              assignment.URI,
		Issuer:           caller.Issuer,
		IssuerGeneration: caller.Generation,
	}, nil
}

// Revoke deactivates a credential. Only the original issuer (with a
// current capability) or an admin may revoke. Revoking an
// already-revoked credential is a no-op; the record is retained for
// audit and contributes zero weight.
func (s *Service) Revoke(caller models.IssuerCapability, identity models.Identity, role models.RoleID, reason string) error {
	if err := s.checkNotPaused(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer rollback(tx)

	cred, err := s.getCredentialTx(tx, identity, role)
	if err != nil {
		return err
	}
	if cred == nil {
		return &NotFoundError{"no credential for this identity and role"}
	}

	if !s.isAdmin(caller.Issuer) {
		if cred.Issuer != caller.Issuer {
			s.m.Counter("revoke_unauthorized").Inc()
			return &NotOwnerOrIssuerError{"caller is neither the original issuer nor an admin"}
		}
		if err := s.checkIssuerCapability(tx, caller); err != nil {
			s.m.Counter("revoke_unauthorized").Inc()
			return &NotOwnerOrIssuerError{"issuer capability is no longer valid"}
		}
	}

	if !cred.Active {
		return nil
	}

	rv := tx.Stmt(s.revokeCredentialStmt)
	defer rv.Close()
	if _, err := rv.Exec(identity.Bytes(), role); err != nil {
		return err
	}

	if err := s.appendEventTx(tx, models.EventCredentialRevoked, identity, role, revokedDetail{
		Reason:  reason,
		Caller:  caller.Issuer.Hex(),
		Version: cred.Version,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("Revoked credential",
		zap.String("identity", identity.Hex()),
		zap.String("role", role.String()),
		zap.String("reason", reason),
		zap.String("caller", caller.Issuer.Hex()),
	)
	s.m.Counter("revoke_done").Inc()
	return nil
}

// Heartbeat refreshes a credential's activity timestamp. The caller must
// be the credential holder; the API layer authenticates this before
// dispatching here.
func (s *Service) Heartbeat(identity models.Identity, role models.RoleID) error {
	if err := s.checkNotPaused(); err != nil {
		return err
	}
	now := s.clock.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer rollback(tx)

	cred, err := s.getCredentialTx(tx, identity, role)
	if err != nil {
		return err
	}
	if cred == nil {
		return &NotFoundError{"no credential for this identity and role"}
	}
	if !cred.Live(now) {
		s.m.Counter("heartbeat_dead_credential").Inc()
		return &ExpiredError{"credential is revoked or expired"}
	}

	hb := tx.Stmt(s.heartbeatStmt)
	defer hb.Close()
	if _, err := hb.Exec(now.Unix(), identity.Bytes(), role); err != nil {
		return err
	}

	if err := s.appendEventTx(tx, models.EventHeartbeat, identity, role, nil); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Debug("Heartbeat",
		zap.String("identity", identity.Hex()),
		zap.String("role", role.String()),
	)
	s.m.Counter("heartbeat_done").Inc()
	return nil
}

// RecordActivity applies a recognized external activity observation
// (e.g. a governance vote) as a heartbeat. Observations for identities
// without a live credential are dropped silently; the activity feed is
// not authoritative about who holds roles.
func (s *Service) RecordActivity(identity models.Identity, role models.RoleID) error {
	err := s.Heartbeat(identity, role)
	if errors.Is(err, &NotFoundError{}) || errors.Is(err, &ExpiredError{}) {
		s.m.Counter("activity_dropped").Inc()
		return nil
	}
	return err
}

// scanCredential maps one credentials row onto the model.
func scanCredential(row interface{ Scan(...interface{}) error }) (*models.Credential, error) {
	var (
		identity, issuer          []byte
		tokenID, evidenceHash     []byte
		weightStr, uri            string
		expiresAt, lastActivity   int64
		active                    bool
		role                      models.RoleID
		version, issuerGeneration uint64
	)
	if err := row.Scan(&identity, &role, &tokenID, &weightStr, &expiresAt, &lastActivity,
		&active, &version, &evidenceHash, &uri, &issuer, &issuerGeneration); err != nil {
		return nil, err
	}

	weight, err := wad.FromString(weightStr)
	if err != nil {
		return nil, err
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
	}, nil
}
