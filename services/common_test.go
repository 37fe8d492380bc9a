package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/attestry/registry-api/attestation"
	"github.com/attestry/registry-api/database"
	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/util"
	"github.com/attestry/registry-api/wad"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// testEnv bundles the service with the wallets the fixtures use.
type testEnv struct {
	svc    *Service
	admin  *util.Wallet
	issuer *util.Wallet
	// issuerCap is the issuer's current capability, refreshed by
	// addTestIssuer.
	issuerCap models.IssuerCapability
}

// Create a new service using an in-memory database.
func setupTestService(t *testing.T, clock clockwork.Clock) (*testEnv, error) {
	var err error

	// Workaround for "no such table" errors.
	// Each connection to ":memory:" opens a brand new in-memory sql database,
	// so if the stdlib's sql engine happens to open another connection and
	// you've only specified ":memory:", that connection will see a brand new
	// database. A workaround is to use "file::memory:?cache=shared".
	// Every connection to this string will point to the same in-memory database.
	// Note that if the last database connection in the pool closes, the in-memory
	// database is deleted. Make sure the max idle connection limit is > 0, and
	// the connection lifetime is infinite.
	// Reference: https://pkg.go.dev/github.com/mattn/go-sqlite3#section-readme
	//
	// Note that this issue can also be worked around by using a single DB
	// connection, which we do in the main application for performance reasons
	// (see database.go). However, we want to use multiple connections
	// in the tests to try to catch potential concurrency issues.
	db, err := database.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(0)
	t.Cleanup(func() {
		db.Close()
	})

	admin, err := util.NewWallet()
	if err != nil {
		return nil, err
	}
	issuer, err := util.NewWallet()
	if err != nil {
		return nil, err
	}

	// Logger
	logger, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		return nil, err
	}

	config := &ServiceConfig{
		DB:       db,
		Verifier: attestation.NewSecpVerifier(attestation.DefaultSchema),
		Admins:   []models.Identity{*admin.Address},
		Logger:   logger,
		Clock:    clock,
	}
	svc := NewService(config)
	if err := svc.Init(); err != nil {
		return nil, err
	}
	t.Cleanup(svc.Deinit)

	env := &testEnv{svc: svc, admin: admin, issuer: issuer}
	if err := env.addTestIssuer(issuer); err != nil {
		return nil, err
	}
	return env, nil
}

// addTestIssuer allow-lists a wallet and refreshes the cached capability
// to the issuer's current generation.
func (e *testEnv) addTestIssuer(w *util.Wallet) error {
	if err := e.svc.AddIssuer(*e.admin.Address, *w.Address); err != nil {
		return err
	}
	issuer, err := e.svc.GetIssuer(*w.Address)
	if err != nil {
		return err
	}
	e.issuerCap = models.IssuerCapability{
		Issuer:     issuer.ID,
		Generation: issuer.Generation,
	}
	return nil
}

// makeClaim builds a claim for the given recipient and role, signed by
// the attester wallet over the canonical digest. A zero weight leaves
// the role default in effect.
func makeClaim(e *testEnv, attester *util.Wallet, recipient models.Identity, role models.RoleID, weightWad string, expiresAt int64) (*attestation.Claim, error) {
	claim := &attestation.Claim{
		Schema:       attestation.DefaultSchema,
		UID:          crypto.Keccak256Hash([]byte(fmt.Sprintf("claim-%s-%d-%d", recipient.Hex(), role, expiresAt))),
		Recipient:    recipient,
		Role:         role,
		ExpiresAt:    expiresAt,
		URI:          "ipfs://QmTestEvidence",
		EvidenceHash: crypto.Keccak256Hash([]byte("evidence")),
		Attester:     *attester.Address,
	}
	if weightWad != "" {
		w, err := wad.FromString(weightWad)
		if err != nil {
			return nil, err
		}
		claim.WeightWad = w
	}
	sig, err := attester.SignDigest(claim.SigningDigest())
	if err != nil {
		return nil, err
	}
	claim.Signature = sig
	return claim, nil
}

func newTestWallet() (*util.Wallet, error) {
	return util.NewWallet()
}

// newTestHolder returns a fresh identity with no credentials.
func newTestHolder() (models.Identity, error) {
	w, err := util.NewWallet()
	if err != nil {
		return models.Identity{}, err
	}
	return *w.Address, nil
}

// issueTestCredential issues a role to a fresh holder wallet through the
// full path, claim included.
func issueTestCredential(e *testEnv, role models.RoleID, weightWad string) (*util.Wallet, *models.Credential, error) {
	holder, err := util.NewWallet()
	if err != nil {
		return nil, nil, err
	}
	cred, err := issueTo(e, *holder.Address, role, weightWad)
	return holder, cred, err
}

func issueTo(e *testEnv, identity models.Identity, role models.RoleID, weightWad string) (*models.Credential, error) {
	expiresAt := e.svc.clock.Now().Add(365 * 24 * time.Hour).Unix()
	claim, err := makeClaim(e, e.issuer, identity, role, weightWad, expiresAt)
	if err != nil {
		return nil, err
	}
	return e.svc.IssueWithRetry(e.issuerCap, identity, role, claim)
}
