package services

import (
	"database/sql"
	"strconv"

	"github.com/attestry/registry-api/models"
	"github.com/attestry/registry-api/wad"
	"go.uber.org/zap"
)

// Admin operations require the administrative capability; an issuer
// cannot change its own rate limit or role weights. Every setter is one
// transaction and emits a config-changed event.

// settableConfigKeys are the keys SetConfig accepts. The pause flag has
// its own operations.
var settableConfigKeys = map[string]struct{}{
	cfgEpochSeconds:        {},
	cfgMaxIssuesPerEpoch:   {},
	cfgDecayT:              {},
	cfgDecayFloor:          {},
	cfgMaxRolesPerIdentity: {},
	cfgExpiryMargin:        {},
}

func (s *Service) checkAdmin(caller models.Identity) error {
	if !s.isAdmin(caller) {
		s.m.Counter("rejected_not_admin").Inc()
		return &NotAdminError{"caller lacks the administrative capability"}
	}
	return nil
}

// adminTx wraps the shared setter plumbing: admin check, pause gate,
// transaction, audit event, commit.
func (s *Service) adminTx(caller models.Identity, gatedOnPause bool, event models.EventType, identity models.Identity, role models.RoleID, detail interface{}, mutate func(tx *sql.Tx) error) error {
	if err := s.checkAdmin(caller); err != nil {
		return err
	}
	if gatedOnPause {
		if err := s.checkNotPaused(); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer rollback(tx)

	if err := mutate(tx); err != nil {
		return err
	}
	if err := s.appendEventTx(tx, event, identity, role, detail); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Service) SetRoleWeight(caller models.Identity, role models.RoleID, weight wad.Wad) error {
	if !role.Valid() {
		return &ValidationError{"unknown role"}
	}
	detail := map[string]string{"weightWad": weight.String()}
	err := s.adminTx(caller, true, models.EventRoleWeightSet, models.Identity{}, role, detail, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE role_configs SET weight_wad = ? WHERE role = ?;`, weight.String(), role)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info("Set role weight",
		zap.String("role", role.String()),
		zap.String("weightWad", weight.String()))
	return nil
}

func (s *Service) SetTopicMask(caller models.Identity, role models.RoleID, mask models.TopicMask) error {
	if !role.Valid() {
		return &ValidationError{"unknown role"}
	}
	detail := map[string]uint64{"topicMask": uint64(mask)}
	err := s.adminTx(caller, true, models.EventTopicMaskSet, models.Identity{}, role, detail, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE role_configs SET topic_mask = ? WHERE role = ?;`, uint64(mask), role)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info("Set topic mask",
		zap.String("role", role.String()),
		zap.Uint64("topicMask", uint64(mask)))
	return nil
}

// AddIssuer puts an identity on the issuer allow-list. Re-adding a
// removed issuer reactivates it at its current (already bumped)
// generation, so capabilities minted before the removal stay dead.
func (s *Service) AddIssuer(caller models.Identity, id models.Identity) error {
	err := s.adminTx(caller, true, models.EventIssuerAdded, id, 0, nil, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO issuers (issuer_id, active, generation) VALUES (?, 1, 0)
			ON CONFLICT (issuer_id) DO UPDATE SET active = 1;
		`, id.Bytes())
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info("Added issuer", zap.String("issuer", id.Hex()))
	return nil
}

// RemoveIssuer deactivates an issuer and bumps its generation, which
// permanently invalidates every capability referencing the old one.
func (s *Service) RemoveIssuer(caller models.Identity, id models.Identity) error {
	err := s.adminTx(caller, true, models.EventIssuerRemoved, id, 0, nil, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE issuers SET active = 0, generation = generation + 1 WHERE issuer_id = ?;
		`, id.Bytes())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &NotFoundError{"no such issuer"}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("Removed issuer", zap.String("issuer", id.Hex()))
	return nil
}

// SetConfig updates one runtime parameter. The value is validated per
// key before it is written; the in-memory cache is refreshed after
// commit.
func (s *Service) SetConfig(caller models.Identity, key, value string) error {
	if _, ok := settableConfigKeys[key]; !ok {
		return &ValidationError{"unknown config key"}
	}
	if err := validateConfigValue(key, value); err != nil {
		return err
	}

	detail := map[string]string{"key": key, "value": value}
	err := s.adminTx(caller, true, models.EventConfigSet, models.Identity{}, 0, detail, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE registry_config SET value = ? WHERE key = ?;`, value, key)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.reloadConfig(); err != nil {
		return err
	}
	s.logger.Info("Set config", zap.String("key", key), zap.String("value", value))
	return nil
}

func validateConfigValue(key, value string) error {
	switch key {
	case cfgDecayFloor:
		floor, err := wad.FromString(value)
		if err != nil {
			return &ValidationError{"invalid decay floor"}
		}
		if floor.Cmp(wad.Zero()) < 0 || floor.Cmp(wad.One()) > 0 {
			return &ValidationError{"decay floor must be within [0, 1] WAD"}
		}
	case cfgExpiryMargin:
		if v, err := strconv.ParseInt(value, 10, 64); err != nil || v < 0 {
			return &ValidationError{"invalid expiry margin"}
		}
	default:
		if v, err := strconv.ParseInt(value, 10, 64); err != nil || v <= 0 {
			return &ValidationError{"config value must be a positive integer"}
		}
	}
	return nil
}

// Pause stops all mutating operations until Unpause.
func (s *Service) Pause(caller models.Identity) error {
	err := s.adminTx(caller, true, models.EventPaused, models.Identity{}, 0, nil, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE registry_config SET value = '1' WHERE key = ?;`, cfgPaused)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.reloadConfig(); err != nil {
		return err
	}
	s.logger.Warn("Registry paused", zap.String("caller", caller.Hex()))
	return nil
}

// Unpause is the one setter allowed while paused.
func (s *Service) Unpause(caller models.Identity) error {
	err := s.adminTx(caller, false, models.EventUnpaused, models.Identity{}, 0, nil, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE registry_config SET value = '0' WHERE key = ?;`, cfgPaused)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.reloadConfig(); err != nil {
		return err
	}
	s.logger.Info("Registry unpaused", zap.String("caller", caller.Hex()))
	return nil
}
