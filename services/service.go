package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/attestry/registry-api/attestation"
	"github.com/attestry/registry-api/decay"
	"github.com/attestry/registry-api/metrics"
	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/wad"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Runtime-mutable configuration keys, stored in the registry_config
// table and cached in memory.
const (
	cfgEpochSeconds        = "epochSeconds"
	cfgMaxIssuesPerEpoch   = "maxIssuesPerEpoch"
	cfgDecayT              = "decayT"
	cfgDecayFloor          = "decayFloor"
	cfgMaxRolesPerIdentity = "maxRolesPerIdentity"
	cfgExpiryMargin        = "expiryMargin"
	cfgPaused              = "paused"
)

var configDefaults = map[string]string{
	cfgEpochSeconds:        "86400",
	cfgMaxIssuesPerEpoch:   "50",
	cfgDecayT:              "2592000",            // 30 days, in seconds
	cfgDecayFloor:          "250000000000000000", // 0.25 WAD
	cfgMaxRolesPerIdentity: "8",
	cfgExpiryMargin:        "3600", // seconds
	cfgPaused:              "0",
}

// runtimeConfig is the in-memory copy of registry_config, reloaded after
// every admin mutation.
type runtimeConfig struct {
	EpochSeconds        int64
	MaxIssuesPerEpoch   int64
	DecayT              time.Duration
	DecayFloor          wad.Wad
	MaxRolesPerIdentity int64
	ExpiryMargin        time.Duration
	Paused              bool
}

func (c runtimeConfig) curve() decay.Curve {
	return decay.Curve{T: c.DecayT, Floor: c.DecayFloor}
}

// ServiceConfig contains the configuration for a Service.
type ServiceConfig struct {
	DB       *sql.DB
	Verifier attestation.Verifier
	Admins   []models.Identity
	Logger   *zap.Logger
	Clock    clockwork.Clock
}

// Service owns the registry state machine. Every mutating operation runs
// as a single transaction; queries run as read-only transactions against
// the last committed state. It is called by the API handlers and the
// activity sync task.
type Service struct {
	db       *sql.DB
	verifier attestation.Verifier
	admins   map[models.Identity]struct{}

	// Credential statements
	getCredentialStmt    *sql.Stmt
	credentialByTokStmt  *sql.Stmt
	listCredentialsStmt  *sql.Stmt
	upsertCredentialStmt *sql.Stmt
	revokeCredentialStmt *sql.Stmt
	heartbeatStmt        *sql.Stmt
	countLiveRolesStmt   *sql.Stmt

	// Issuer and rate-limit statements
	getIssuerStmt  *sql.Stmt
	epochCountStmt *sql.Stmt
	bumpEpochStmt  *sql.Stmt

	// Attestation consumption set
	claimConsumedStmt *sql.Stmt
	consumeClaimStmt  *sql.Stmt

	// Config and audit
	getRoleConfigStmt *sql.Stmt
	addEventStmt      *sql.Stmt
	getEventsStmt     *sql.Stmt

	m      *metrics.Registry
	logger *zap.Logger
	clock  clockwork.Clock

	cfgMu sync.RWMutex
	cfg   runtimeConfig
}

func NewService(config *ServiceConfig) *Service {
	admins := make(map[models.Identity]struct{}, len(config.Admins))
	for _, a := range config.Admins {
		admins[a] = struct{}{}
	}
	return &Service{
		db:       config.DB,
		verifier: config.Verifier,
		admins:   admins,
		logger:   config.Logger,
		clock:    config.Clock,
	}
}

func (s *Service) Init() error {
	s.m = metrics.NewRegistry("service")
	if err := s.createTables(); err != nil {
		return err
	}
	if err := s.seedDefaults(); err != nil {
		return err
	}
	if err := s.prepareStatements(); err != nil {
		return err
	}
	return s.reloadConfig()
}

func (s *Service) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			identity BLOB(20) NOT NULL,
			role INTEGER NOT NULL,
			token_id BLOB(32) NOT NULL,
			weight_wad TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			last_activity INTEGER NOT NULL,
			active INTEGER CHECK (active >= 0 AND active <= 1) NOT NULL,
			version INTEGER NOT NULL,
			evidence_hash BLOB(32) NOT NULL,
			uri TEXT NOT NULL,
			issuer BLOB(20) NOT NULL,
			issuer_generation INTEGER NOT NULL,
			PRIMARY KEY (identity, role)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS credentials_token_id ON credentials (token_id);
		CREATE TABLE IF NOT EXISTS issuers (
			issuer_id BLOB(20) PRIMARY KEY,
			active INTEGER CHECK (active >= 0 AND active <= 1) NOT NULL,
			generation INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS issuer_epochs (
			issuer_id BLOB(20) NOT NULL,
			epoch INTEGER NOT NULL,
			count INTEGER NOT NULL,
			PRIMARY KEY (issuer_id, epoch)
		);
		CREATE TABLE IF NOT EXISTS consumed_claims (
			claim_uid BLOB(32) PRIMARY KEY,
			consumed_at INTEGER NOT NULL,
			issuer BLOB(20) NOT NULL
		);
		CREATE TABLE IF NOT EXISTS role_configs (
			role INTEGER PRIMARY KEY,
			weight_wad TEXT NOT NULL,
			topic_mask INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS registry_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS registry_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			type INTEGER NOT NULL,
			identity BLOB(20) NOT NULL,
			role INTEGER NOT NULL,
			detail TEXT NOT NULL
		);
	`)
	return err
}

// seedDefaults inserts config defaults and the built-in role table.
// Existing rows always win, so admin changes survive restarts.
func (s *Service) seedDefaults() error {
	for key, value := range configDefaults {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO registry_config (key, value) VALUES (?, ?);`,
			key, value); err != nil {
			return err
		}
	}

	one := wad.One().String()
	roleSeeds := []models.RoleConfig{
		{Role: models.RoleCode, TopicMask: models.TopicParams | models.TopicUpgrade},
		{Role: models.RoleValidator, TopicMask: models.TopicParams},
		{Role: models.RoleGov, TopicMask: models.TopicParams | models.TopicTreasury | models.TopicUpgrade | models.TopicEmergency},
		{Role: models.RoleRWACurator, TopicMask: models.TopicTreasury},
	}
	for _, rc := range roleSeeds {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO role_configs (role, weight_wad, topic_mask) VALUES (?, ?, ?);`,
			rc.Role, one, uint64(rc.TopicMask)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) prepareStatements() error {
	var err error

	if s.getCredentialStmt, err = s.db.Prepare(`
		SELECT identity, role, token_id, weight_wad, expires_at, last_activity,
		       active, version, evidence_hash, uri, issuer, issuer_generation
		FROM credentials WHERE identity = ? AND role = ?;
	`); err != nil {
		return err
	}

	if s.credentialByTokStmt, err = s.db.Prepare(`
		SELECT identity, role, token_id, weight_wad, expires_at, last_activity,
		       active, version, evidence_hash, uri, issuer, issuer_generation
		FROM credentials WHERE token_id = ?;
	`); err != nil {
		return err
	}

	if s.listCredentialsStmt, err = s.db.Prepare(`
		SELECT c.identity, c.role, c.token_id, c.weight_wad, c.expires_at,
		       c.last_activity, c.active, c.version, c.evidence_hash, c.uri,
		       c.issuer, c.issuer_generation, r.topic_mask
		FROM credentials c JOIN role_configs r ON c.role = r.role
		WHERE c.identity = ?;
	`); err != nil {
		return err
	}

	if s.upsertCredentialStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO credentials
			(identity, role, token_id, weight_wad, expires_at, last_activity,
			 active, version, evidence_hash, uri, issuer, issuer_generation)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.revokeCredentialStmt, err = s.db.Prepare(`
		UPDATE credentials SET active = 0 WHERE identity = ? AND role = ?;
	`); err != nil {
		return err
	}

	if s.heartbeatStmt, err = s.db.Prepare(`
		UPDATE credentials SET last_activity = ? WHERE identity = ? AND role = ?;
	`); err != nil {
		return err
	}

	if s.countLiveRolesStmt, err = s.db.Prepare(`
		SELECT COUNT(*) FROM credentials
		WHERE identity = ? AND role != ? AND active = 1 AND expires_at > ?;
	`); err != nil {
		return err
	}

	if s.getIssuerStmt, err = s.db.Prepare(`
		SELECT active, generation FROM issuers WHERE issuer_id = ?;
	`); err != nil {
		return err
	}

	if s.epochCountStmt, err = s.db.Prepare(`
		SELECT count FROM issuer_epochs WHERE issuer_id = ? AND epoch = ?;
	`); err != nil {
		return err
	}

	if s.bumpEpochStmt, err = s.db.Prepare(`
		INSERT INTO issuer_epochs (issuer_id, epoch, count) VALUES (?, ?, 1)
		ON CONFLICT (issuer_id, epoch) DO UPDATE SET count = count + 1;
	`); err != nil {
		return err
	}

	if s.claimConsumedStmt, err = s.db.Prepare(`
		SELECT 1 FROM consumed_claims WHERE claim_uid = ? LIMIT 1;
	`); err != nil {
		return err
	}

	if s.consumeClaimStmt, err = s.db.Prepare(`
		INSERT INTO consumed_claims (claim_uid, consumed_at, issuer) VALUES (?, ?, ?);
	`); err != nil {
		return err
	}

	if s.getRoleConfigStmt, err = s.db.Prepare(`
		SELECT weight_wad, topic_mask FROM role_configs WHERE role = ?;
	`); err != nil {
		return err
	}

	if s.addEventStmt, err = s.db.Prepare(`
		INSERT INTO registry_events (timestamp, type, identity, role, detail)
		VALUES (?, ?, ?, ?, ?);
	`); err != nil {
		return err
	}

	if s.getEventsStmt, err = s.db.Prepare(`
		SELECT seq, timestamp, type, identity, role, detail
		FROM registry_events WHERE identity = ? ORDER BY seq ASC;
	`); err != nil {
		return err
	}

	return nil
}

// reloadConfig refreshes the in-memory config cache from the database.
func (s *Service) reloadConfig() error {
	rows, err := s.db.Query(`SELECT key, value FROM registry_config;`)
	if err != nil {
		return err
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var cfg runtimeConfig
	if cfg.EpochSeconds, err = strconv.ParseInt(values[cfgEpochSeconds], 10, 64); err != nil {
		return err
	}
	if cfg.MaxIssuesPerEpoch, err = strconv.ParseInt(values[cfgMaxIssuesPerEpoch], 10, 64); err != nil {
		return err
	}
	decaySecs, err := strconv.ParseInt(values[cfgDecayT], 10, 64)
	if err != nil {
		return err
	}
	cfg.DecayT = time.Duration(decaySecs) * time.Second
	if cfg.DecayFloor, err = wad.FromString(values[cfgDecayFloor]); err != nil {
		return err
	}
	if cfg.MaxRolesPerIdentity, err = strconv.ParseInt(values[cfgMaxRolesPerIdentity], 10, 64); err != nil {
		return err
	}
	marginSecs, err := strconv.ParseInt(values[cfgExpiryMargin], 10, 64)
	if err != nil {
		return err
	}
	cfg.ExpiryMargin = time.Duration(marginSecs) * time.Second
	cfg.Paused = values[cfgPaused] == "1"

	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	return nil
}

func (s *Service) config() runtimeConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// checkNotPaused gates every mutating operation.
func (s *Service) checkNotPaused() error {
	if s.config().Paused {
		s.m.Counter("rejected_paused").Inc()
		return &PausedError{"registry is paused"}
	}
	return nil
}

func (s *Service) isAdmin(id models.Identity) bool {
	_, ok := s.admins[id]
	return ok
}

// epoch returns the rate-limit bucket for the given time.
func (s *Service) epoch(now time.Time) int64 {
	return now.Unix() / s.config().EpochSeconds
}

// getIssuerTx fetches the current issuer record within a transaction.
func (s *Service) getIssuerTx(tx *sql.Tx, id models.Identity) (*models.Issuer, error) {
	stmt := tx.Stmt(s.getIssuerStmt)
	defer stmt.Close()

	issuer := &models.Issuer{ID: id}
	err := stmt.QueryRow(id.Bytes()).Scan(&issuer.Active, &issuer.Generation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return issuer, nil
}

// checkIssuerCapability validates a capability token against the current
// issuer record: both identity and generation must match, and the issuer
// must be active. A capability minted before a removal is permanently
// stale, even if the issuer was re-added.
func (s *Service) checkIssuerCapability(tx *sql.Tx, cap models.IssuerCapability) error {
	issuer, err := s.getIssuerTx(tx, cap.Issuer)
	if err != nil {
		return err
	}
	if issuer == nil || !issuer.Active {
		s.m.Counter("rejected_not_issuer").Inc()
		return &NotIssuerError{"caller is not an active issuer"}
	}
	if issuer.Generation != cap.Generation {
		s.m.Counter("rejected_stale_capability").Inc()
		return &NotIssuerError{"issuer capability generation is stale"}
	}
	return nil
}

// getCredentialTx fetches one credential within a transaction, or nil.
func (s *Service) getCredentialTx(tx *sql.Tx, identity models.Identity, role models.RoleID) (*models.Credential, error) {
	stmt := tx.Stmt(s.getCredentialStmt)
	defer stmt.Close()
	cred, err := scanCredential(stmt.QueryRow(identity.Bytes(), role))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// appendEventTx records one audit event as part of the mutating
// transaction, so the event log never disagrees with the state.
func (s *Service) appendEventTx(tx *sql.Tx, t models.EventType, identity models.Identity, role models.RoleID, detail interface{}) error {
	var detailJSON []byte
	var err error
	if detail != nil {
		if detailJSON, err = json.Marshal(detail); err != nil {
			return err
		}
	}
	stmt := tx.Stmt(s.addEventStmt)
	defer stmt.Close()
	_, err = stmt.Exec(s.clock.Now().Unix(), t, identity.Bytes(), role, string(detailJSON))
	return err
}

// MetricsHandler exposes the service metrics for mounting on the HTTP
// server.
func (s *Service) MetricsHandler() http.Handler {
	return s.m.Handler()
}

// readTx starts a read-only transaction for queries.
func (s *Service) readTx() (*sql.Tx, error) {
	return s.db.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelReadCommitted})
}

func (s *Service) Deinit() {
	for _, stmt := range []**sql.Stmt{
		&s.getCredentialStmt,
		&s.credentialByTokStmt,
		&s.listCredentialsStmt,
		&s.upsertCredentialStmt,
		&s.revokeCredentialStmt,
		&s.heartbeatStmt,
		&s.countLiveRolesStmt,
		&s.getIssuerStmt,
		&s.epochCountStmt,
		&s.bumpEpochStmt,
		&s.claimConsumedStmt,
		&s.consumeClaimStmt,
		&s.getRoleConfigStmt,
		&s.addEventStmt,
		&s.getEventsStmt,
	} {
		if *stmt == nil {
			continue
		}
		(*stmt).Close()
		*stmt = nil
	}
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
