package services

import (
	"errors"
	"testing"
	"time"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/wad"
	"github.com/jonboulle/clockwork"
)

// A whole-second epoch so database timestamps (stored as Unix seconds)
// round-trip exactly and weight assertions can be exact.
var testEpoch = time.Unix(1756500000, 0)

func TestCredentialLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	// Issue a CODE credential with an explicit weight override.
	holder, cred, err := issueTestCredential(env, models.RoleCode, "700000000000000000")
	if err != nil {
		t.Fatalf("Could not issue credential: %v", err)
	}
	if cred.Version != 0 {
		t.Fatalf("First issuance should have version 0, got %d", cred.Version)
	}
	if got := cred.WeightWad.String(); got != "700000000000000000" {
		t.Fatalf("Claim weight override not applied, got %s", got)
	}

	has, err := svc.HasRole(*holder.Address, models.RoleCode)
	if err != nil || !has {
		t.Fatalf("Holder should have the CODE role (has=%v, err=%v)", has, err)
	}

	// CODE participates in PARAMS and UPGRADE, not TREASURY.
	w, err := svc.WeightOfForTopic(*holder.Address, models.TopicParams)
	if err != nil {
		t.Fatalf("Could not query weight: %v", err)
	}
	if w.String() != "700000000000000000" {
		t.Fatalf("Fresh credential should carry full weight, got %s", w.String())
	}
	w, err = svc.WeightOfForTopic(*holder.Address, models.TopicTreasury)
	if err != nil {
		t.Fatalf("Could not query weight: %v", err)
	}
	if !w.IsZero() {
		t.Fatalf("CODE must not contribute to TREASURY, got %s", w.String())
	}

	// One decay time constant of inactivity scales the weight by e^-1.
	clock.Advance(time.Duration(2592000) * time.Second)
	w, err = svc.WeightOf(*holder.Address)
	if err != nil {
		t.Fatalf("Could not query weight: %v", err)
	}
	want := cred.WeightWad.Mul(wad.ExpNeg(wad.One()))
	if w.Cmp(want) != 0 {
		t.Fatalf("Decayed weight mismatch: got %s, want %s", w.String(), want.String())
	}

	// A heartbeat restores the full weight.
	if err := svc.Heartbeat(*holder.Address, models.RoleCode); err != nil {
		t.Fatalf("Could not heartbeat: %v", err)
	}
	w, err = svc.WeightOf(*holder.Address)
	if err != nil {
		t.Fatalf("Could not query weight: %v", err)
	}
	if w.String() != "700000000000000000" {
		t.Fatalf("Heartbeat should restore full weight, got %s", w.String())
	}

	// Revocation zeroes the weight but keeps the record.
	if err := svc.Revoke(env.issuerCap, *holder.Address, models.RoleCode, "test"); err != nil {
		t.Fatalf("Could not revoke: %v", err)
	}
	if has, _ := svc.HasRole(*holder.Address, models.RoleCode); has {
		t.Fatal("Revoked credential should not grant the role")
	}
	w, _ = svc.WeightOf(*holder.Address)
	if !w.IsZero() {
		t.Fatalf("Revoked credential should carry zero weight, got %s", w.String())
	}
	// Revoking again is a no-op.
	if err := svc.Revoke(env.issuerCap, *holder.Address, models.RoleCode, "again"); err != nil {
		t.Fatalf("Double revoke should be a no-op, got %v", err)
	}
	// A revoked credential cannot heartbeat.
	if err := svc.Heartbeat(*holder.Address, models.RoleCode); !errors.Is(err, &ExpiredError{}) {
		t.Fatalf("Heartbeat on a revoked credential should fail with ExpiredError, got %v", err)
	}

	// Re-issuance bumps the version and mints a fresh token ID.
	clock.Advance(time.Second)
	reissued, err := issueTo(env, *holder.Address, models.RoleCode, "")
	if err != nil {
		t.Fatalf("Could not re-issue: %v", err)
	}
	if reissued.Version != cred.Version+1 {
		t.Fatalf("Re-issuance should bump the version: got %d, want %d", reissued.Version, cred.Version+1)
	}
	if reissued.TokenID == cred.TokenID {
		t.Fatal("Re-issuance must not reuse the token ID")
	}
	// No weight override this time, so the role default applies.
	if reissued.WeightWad.Cmp(wad.One()) != 0 {
		t.Fatalf("Re-issued credential should carry the role default weight, got %s", reissued.WeightWad.String())
	}

	// Lookups by the new token resolve to the re-issued record; the
	// pre-reissue token ID is permanently stale.
	if _, err := svc.CredentialByToken(reissued.TokenID); err != nil {
		t.Fatalf("Could not look up re-issued credential by token: %v", err)
	}
	if _, err := svc.CredentialByToken(cred.TokenID); !errors.Is(err, &NotFoundError{}) {
		t.Fatalf("Stale token ID should fail with NotFoundError, got %v", err)
	}
}

func TestIssueRejectsReplayedClaim(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}

	holder, orig, err := issueTestCredential(env, models.RoleValidator, "")
	if err != nil {
		t.Fatalf("Could not issue credential: %v", err)
	}

	// Replaying the exact same claim must fail, even after a revoke.
	claim, err := makeClaim(env, env.issuer, *holder.Address, models.RoleValidator, "", orig.ExpiresAt.Unix())
	if err != nil {
		t.Fatalf("Could not build claim: %v", err)
	}
	if err := env.svc.Revoke(env.issuerCap, *holder.Address, models.RoleValidator, "test"); err != nil {
		t.Fatalf("Could not revoke: %v", err)
	}
	_, err = env.svc.IssueWithRetry(env.issuerCap, *holder.Address, models.RoleValidator, claim)
	if !errors.Is(err, &AlreadyConsumedError{}) {
		t.Fatalf("Replayed claim should fail with AlreadyConsumedError, got %v", err)
	}
}

func TestIssueRejectsUnsafeExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}

	holder, err := newTestHolder()
	if err != nil {
		t.Fatalf("Could not create holder: %v", err)
	}
	// Expiry inside the safety margin (default one hour).
	claim, err := makeClaim(env, env.issuer, holder, models.RoleGov, "", clock.Now().Add(30*time.Minute).Unix())
	if err != nil {
		t.Fatalf("Could not build claim: %v", err)
	}
	_, err = env.svc.IssueWithRetry(env.issuerCap, holder, models.RoleGov, claim)
	if !errors.Is(err, &UnsafeExpiryError{}) {
		t.Fatalf("Near-expiry claim should fail with UnsafeExpiryError, got %v", err)
	}
}

func TestIssueRejectsForgedAndMismatchedClaims(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}

	holder, err := newTestHolder()
	if err != nil {
		t.Fatalf("Could not create holder: %v", err)
	}
	expiresAt := clock.Now().Add(24 * time.Hour).Unix()

	t.Run("role_mismatch", func(t *testing.T) {
		claim, err := makeClaim(env, env.issuer, holder, models.RoleGov, "", expiresAt)
		if err != nil {
			t.Fatalf("Could not build claim: %v", err)
		}
		_, err = env.svc.IssueWithRetry(env.issuerCap, holder, models.RoleCode, claim)
		if !errors.Is(err, &ValidationError{}) {
			t.Fatalf("Role mismatch should fail with ValidationError, got %v", err)
		}
	})

	t.Run("attester_is_not_caller", func(t *testing.T) {
		// A valid claim from a different attester must not be usable by
		// our issuer.
		other, err := newTestWallet()
		if err != nil {
			t.Fatalf("Could not create wallet: %v", err)
		}
		claim, err := makeClaim(env, other, holder, models.RoleGov, "", expiresAt)
		if err != nil {
			t.Fatalf("Could not build claim: %v", err)
		}
		_, err = env.svc.IssueWithRetry(env.issuerCap, holder, models.RoleGov, claim)
		if !errors.Is(err, &ValidationError{}) && !errors.Is(err, &NotIssuerError{}) {
			t.Fatalf("Foreign attester should be rejected, got %v", err)
		}
	})

	t.Run("tampered_weight", func(t *testing.T) {
		claim, err := makeClaim(env, env.issuer, holder, models.RoleGov, "", expiresAt)
		if err != nil {
			t.Fatalf("Could not build claim: %v", err)
		}
		claim.WeightWad = wad.One().Add(wad.One())
		_, err = env.svc.IssueWithRetry(env.issuerCap, holder, models.RoleGov, claim)
		if !errors.Is(err, &ValidationError{}) {
			t.Fatalf("Tampered claim should fail with ValidationError, got %v", err)
		}
	})

	t.Run("caller_not_on_allow_list", func(t *testing.T) {
		rogue, err := newTestWallet()
		if err != nil {
			t.Fatalf("Could not create wallet: %v", err)
		}
		claim, err := makeClaim(env, rogue, holder, models.RoleGov, "", expiresAt)
		if err != nil {
			t.Fatalf("Could not build claim: %v", err)
		}
		cap := models.IssuerCapability{Issuer: *rogue.Address, Generation: 0}
		_, err = env.svc.IssueWithRetry(cap, holder, models.RoleGov, claim)
		if !errors.Is(err, &NotIssuerError{}) {
			t.Fatalf("Unlisted issuer should fail with NotIssuerError, got %v", err)
		}
	})
}

func TestIssueRateLimit(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	if err := svc.SetConfig(*env.admin.Address, "maxIssuesPerEpoch", "2"); err != nil {
		t.Fatalf("Could not lower the epoch quota: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, _, err := issueTestCredential(env, models.RoleValidator, ""); err != nil {
			t.Fatalf("Issue %d should be within quota, got %v", i, err)
		}
		clock.Advance(time.Second)
	}
	_, _, err = issueTestCredential(env, models.RoleValidator, "")
	if !errors.Is(err, &RateLimitedError{}) {
		t.Fatalf("Third issue in the epoch should fail with RateLimitedError, got %v", err)
	}

	// The quota resets at the epoch boundary.
	clock.Advance(24 * time.Hour)
	if _, _, err := issueTestCredential(env, models.RoleValidator, ""); err != nil {
		t.Fatalf("Quota should reset after the epoch rolls over, got %v", err)
	}
}

func TestIssueRoleCap(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	if err := svc.SetConfig(*env.admin.Address, "maxRolesPerIdentity", "2"); err != nil {
		t.Fatalf("Could not lower the role cap: %v", err)
	}

	holder, err := newTestHolder()
	if err != nil {
		t.Fatalf("Could not create holder: %v", err)
	}
	for _, role := range []models.RoleID{models.RoleCode, models.RoleValidator} {
		if _, err := issueTo(env, holder, role, ""); err != nil {
			t.Fatalf("Issuing %s should be within the cap, got %v", role, err)
		}
		clock.Advance(time.Second)
	}
	if _, err := issueTo(env, holder, models.RoleGov, ""); !errors.Is(err, &RoleCapExceededError{}) {
		t.Fatalf("Third live role should fail with RoleCapExceededError, got %v", err)
	}

	// Re-issuing a role the identity already holds does not count
	// against the cap.
	clock.Advance(time.Second)
	if _, err := issueTo(env, holder, models.RoleCode, ""); err != nil {
		t.Fatalf("Re-issuing a held role should not trip the cap, got %v", err)
	}
}

func TestIssuerGenerationInvalidation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	staleCap := env.issuerCap

	// Removal bumps the generation; re-adding does not restore it.
	if err := svc.RemoveIssuer(*env.admin.Address, *env.issuer.Address); err != nil {
		t.Fatalf("Could not remove issuer: %v", err)
	}
	if err := env.addTestIssuer(env.issuer); err != nil {
		t.Fatalf("Could not re-add issuer: %v", err)
	}
	if env.issuerCap.Generation != staleCap.Generation+1 {
		t.Fatalf("Removal should bump the generation: got %d, want %d",
			env.issuerCap.Generation, staleCap.Generation+1)
	}

	holder, err := newTestHolder()
	if err != nil {
		t.Fatalf("Could not create holder: %v", err)
	}
	claim, err := makeClaim(env, env.issuer, holder, models.RoleGov, "", clock.Now().Add(24*time.Hour).Unix())
	if err != nil {
		t.Fatalf("Could not build claim: %v", err)
	}

	// The pre-removal capability is dead forever.
	if _, err := svc.IssueWithRetry(staleCap, holder, models.RoleGov, claim); !errors.Is(err, &NotIssuerError{}) {
		t.Fatalf("Stale capability should fail with NotIssuerError, got %v", err)
	}
	// The refreshed capability works.
	if _, err := svc.IssueWithRetry(env.issuerCap, holder, models.RoleGov, claim); err != nil {
		t.Fatalf("Current capability should issue, got %v", err)
	}
}

func TestHeartbeatOnMissingAndExpiredCredentials(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	holder, err := newTestHolder()
	if err != nil {
		t.Fatalf("Could not create holder: %v", err)
	}
	if err := svc.Heartbeat(holder, models.RoleCode); !errors.Is(err, &NotFoundError{}) {
		t.Fatalf("Heartbeat without a credential should fail with NotFoundError, got %v", err)
	}

	// RecordActivity drops unknown identities silently.
	if err := svc.RecordActivity(holder, models.RoleCode); err != nil {
		t.Fatalf("RecordActivity should swallow NotFound, got %v", err)
	}

	// An expired credential cannot heartbeat back to life.
	wallet, cred, err := issueTestCredential(env, models.RoleCode, "")
	if err != nil {
		t.Fatalf("Could not issue credential: %v", err)
	}
	clock.Advance(cred.ExpiresAt.Sub(clock.Now()) + time.Second)
	if err := svc.Heartbeat(*wallet.Address, models.RoleCode); !errors.Is(err, &ExpiredError{}) {
		t.Fatalf("Heartbeat on an expired credential should fail with ExpiredError, got %v", err)
	}
	if w, _ := svc.WeightOf(*wallet.Address); !w.IsZero() {
		t.Fatalf("Expired credential should carry zero weight, got %s", w.String())
	}
}

func TestRevokeAuthorization(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	holder, _, err := issueTestCredential(env, models.RoleGov, "")
	if err != nil {
		t.Fatalf("Could not issue credential: %v", err)
	}

	// A third party is neither issuer nor admin.
	rogue, err := newTestWallet()
	if err != nil {
		t.Fatalf("Could not create wallet: %v", err)
	}
	rogueCap := models.IssuerCapability{Issuer: *rogue.Address}
	if err := svc.Revoke(rogueCap, *holder.Address, models.RoleGov, "nope"); !errors.Is(err, &NotOwnerOrIssuerError{}) {
		t.Fatalf("Third-party revoke should fail with NotOwnerOrIssuerError, got %v", err)
	}

	// Admins bypass the issuer check.
	adminCap := models.IssuerCapability{Issuer: *env.admin.Address}
	if err := svc.Revoke(adminCap, *holder.Address, models.RoleGov, "admin"); err != nil {
		t.Fatalf("Admin revoke should succeed, got %v", err)
	}
}

func TestTransferIsDisabled(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}

	a, err := newTestHolder()
	if err != nil {
		t.Fatalf("Could not create holder: %v", err)
	}
	b, err := newTestHolder()
	if err != nil {
		t.Fatalf("Could not create holder: %v", err)
	}
	if err := env.svc.Transfer(a, b, models.RoleCode); !errors.Is(err, &TransferDisabledError{}) {
		t.Fatalf("Transfer should always fail with TransferDisabledError, got %v", err)
	}
}
