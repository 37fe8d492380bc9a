package services

import (
	"errors"
	"testing"
	"time"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/wad"
	"github.com/jonboulle/clockwork"
)

// svcTestWeight is half a WAD, distinct from every seeded default.
func svcTestWeight() wad.Wad {
	return wad.FromUint64(500000000000000000)
}

func TestAdminCapabilityRequired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	rogue, err := newTestHolder()
	if err != nil {
		t.Fatalf("Could not create wallet: %v", err)
	}

	for name, call := range map[string]func() error{
		"set_role_weight": func() error { return svc.SetRoleWeight(rogue, models.RoleCode, svcTestWeight()) },
		"set_topic_mask":  func() error { return svc.SetTopicMask(rogue, models.RoleCode, models.TopicParams) },
		"add_issuer":      func() error { return svc.AddIssuer(rogue, rogue) },
		"remove_issuer":   func() error { return svc.RemoveIssuer(rogue, *env.issuer.Address) },
		"set_config":      func() error { return svc.SetConfig(rogue, "epochSeconds", "3600") },
		"pause":           func() error { return svc.Pause(rogue) },
		"unpause":         func() error { return svc.Unpause(rogue) },
	} {
		t.Run(name, func(t *testing.T) {
			if err := call(); !errors.Is(err, &NotAdminError{}) {
				t.Fatalf("Non-admin call should fail with NotAdminError, got %v", err)
			}
		})
	}
}

func TestSetRoleWeightChangesDefault(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	// Halve the VALIDATOR default.
	if err := svc.SetRoleWeight(*env.admin.Address, models.RoleValidator, svcTestWeight()); err != nil {
		t.Fatalf("Could not set role weight: %v", err)
	}

	// A claim without a weight override picks up the new default.
	_, cred, err := issueTestCredential(env, models.RoleValidator, "")
	if err != nil {
		t.Fatalf("Could not issue credential: %v", err)
	}
	if cred.WeightWad.Cmp(svcTestWeight()) != 0 {
		t.Fatalf("New default weight not applied: got %s", cred.WeightWad.String())
	}

	// Already-issued credentials keep their written weight.
	holder2, cred2, err := issueTestCredential(env, models.RoleCode, "1000000000000000000")
	if err != nil {
		t.Fatalf("Could not issue credential: %v", err)
	}
	if err := svc.SetRoleWeight(*env.admin.Address, models.RoleCode, svcTestWeight()); err != nil {
		t.Fatalf("Could not set role weight: %v", err)
	}
	w, err := svc.WeightOf(*holder2.Address)
	if err != nil {
		t.Fatalf("Could not query weight: %v", err)
	}
	if w.Cmp(cred2.WeightWad) != 0 {
		t.Fatalf("Issued weight should be unaffected by later default changes: got %s, want %s",
			w.String(), cred2.WeightWad.String())
	}
}

func TestSetTopicMask(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	holder, _, err := issueTestCredential(env, models.RoleCode, "")
	if err != nil {
		t.Fatalf("Could not issue credential: %v", err)
	}

	// CODE does not participate in TREASURY by default.
	w, err := svc.WeightOfForTopic(*holder.Address, models.TopicTreasury)
	if err != nil {
		t.Fatalf("Could not query weight: %v", err)
	}
	if !w.IsZero() {
		t.Fatalf("CODE should not contribute to TREASURY yet, got %s", w.String())
	}

	// Masks apply at query time, so existing credentials follow.
	mask := models.TopicParams | models.TopicUpgrade | models.TopicTreasury
	if err := svc.SetTopicMask(*env.admin.Address, models.RoleCode, mask); err != nil {
		t.Fatalf("Could not set topic mask: %v", err)
	}
	w, err = svc.WeightOfForTopic(*holder.Address, models.TopicTreasury)
	if err != nil {
		t.Fatalf("Could not query weight: %v", err)
	}
	if w.IsZero() {
		t.Fatal("CODE should contribute to TREASURY after the mask change")
	}
}

func TestPauseGatesMutations(t *testing.T) {
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

	if err := svc.Pause(*env.admin.Address); err != nil {
		t.Fatalf("Could not pause: %v", err)
	}

	// Mutations are rejected while paused.
	clock.Advance(time.Second)
	if _, _, err := issueTestCredential(env, models.RoleCode, ""); !errors.Is(err, &PausedError{}) {
		t.Fatalf("Issue while paused should fail with PausedError, got %v", err)
	}
	if err := svc.Heartbeat(*holder.Address, models.RoleGov); !errors.Is(err, &PausedError{}) {
		t.Fatalf("Heartbeat while paused should fail with PausedError, got %v", err)
	}
	if err := svc.Revoke(env.issuerCap, *holder.Address, models.RoleGov, "test"); !errors.Is(err, &PausedError{}) {
		t.Fatalf("Revoke while paused should fail with PausedError, got %v", err)
	}
	// Pausing an already-paused registry is itself gated.
	if err := svc.Pause(*env.admin.Address); !errors.Is(err, &PausedError{}) {
		t.Fatalf("Pause while paused should fail with PausedError, got %v", err)
	}

	// Queries still serve the last committed state.
	if has, err := svc.HasRole(*holder.Address, models.RoleGov); err != nil || !has {
		t.Fatalf("Queries should work while paused (has=%v, err=%v)", has, err)
	}

	// Unpause is the one mutation allowed while paused.
	if err := svc.Unpause(*env.admin.Address); err != nil {
		t.Fatalf("Could not unpause: %v", err)
	}
	if _, _, err := issueTestCredential(env, models.RoleCode, ""); err != nil {
		t.Fatalf("Issue after unpause should succeed, got %v", err)
	}
}

func TestSetConfigValidation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc
	admin := *env.admin.Address

	tests := map[string]struct {
		key, value string
		wantErr    bool
	}{
		"unknown_key":            {"noSuchKey", "1", true},
		"paused_not_settable":    {"paused", "1", true},
		"zero_epoch":             {"epochSeconds", "0", true},
		"negative_quota":         {"maxIssuesPerEpoch", "-1", true},
		"floor_above_one":        {"decayFloor", "2000000000000000000", true},
		"garbage_value":          {"decayT", "soon", true},
		"valid_epoch":            {"epochSeconds", "3600", false},
		"valid_floor":            {"decayFloor", "100000000000000000", false},
		"zero_margin_is_allowed": {"expiryMargin", "0", false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := svc.SetConfig(admin, tc.key, tc.value)
			if tc.wantErr && !errors.Is(err, &ValidationError{}) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Expected success, got %v", err)
			}
		})
	}
}

func TestEventsAreRecorded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	env, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	svc := env.svc

	holder, _, err := issueTestCredential(env, models.RoleCode, "")
	if err != nil {
		t.Fatalf("Could not issue credential: %v", err)
	}
	clock.Advance(time.Second)
	if err := svc.Heartbeat(*holder.Address, models.RoleCode); err != nil {
		t.Fatalf("Could not heartbeat: %v", err)
	}
	if err := svc.Revoke(env.issuerCap, *holder.Address, models.RoleCode, "test"); err != nil {
		t.Fatalf("Could not revoke: %v", err)
	}

	events, err := svc.Events(*holder.Address)
	if err != nil {
		t.Fatalf("Could not read events: %v", err)
	}
	want := []models.EventType{
		models.EventCredentialIssued,
		models.EventHeartbeat,
		models.EventCredentialRevoked,
	}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Type != want[i] {
			t.Fatalf("Event %d: got %s, want %s", i, e.Type, want[i])
		}
		if i > 0 && e.Seq <= events[i-1].Seq {
			t.Fatalf("Event sequence must be strictly increasing")
		}
	}
}
