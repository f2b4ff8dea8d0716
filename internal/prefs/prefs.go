// Package prefs loads and updates a user's autonomy preferences. A
// user with no stored record gets defaults; missing or malformed
// entries are default-filled here, at the loading boundary, so the
// permission resolver only ever sees complete settings.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kindling-ai/kindred/internal/matching"
	"github.com/kindling-ai/kindred/internal/permission"
	"github.com/kindling-ai/kindred/internal/storage"
)

// Preferences is one user's resolved preference set: the high-match
// threshold and a complete per-action permission map.
type Preferences struct {
	Threshold   float64                                    `json:"threshold"`
	Permissions map[permission.ActionType]permission.Setting `json:"permissions"`
}

// Defaults returns the preference set used when a user has no stored
// record: default threshold, every action set to always-ask.
func Defaults() Preferences {
	permissions := make(map[permission.ActionType]permission.Setting, len(permission.ActionTypes()))
	for _, action := range permission.ActionTypes() {
		permissions[action] = permission.SettingAlwaysAsk
	}
	return Preferences{
		Threshold:   matching.DefaultThreshold,
		Permissions: permissions,
	}
}

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	GetPreferences(userID string) (storage.PreferenceRecord, error)
	SavePreferences(rec storage.PreferenceRecord) error
}

// Manager reads and writes preference records.
type Manager struct {
	store Store
}

// NewManager creates a Manager backed by the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Get returns the user's preferences. An absent record is not an
// error — it yields Defaults(). Stored entries overlay the defaults;
// unknown action types or invalid setting values are dropped with a
// warning so degraded data can only fall back toward always-ask.
func (m *Manager) Get(userID string) (Preferences, error) {
	rec, err := m.store.GetPreferences(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Defaults(), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("loading preferences for %q: %w", userID, err)
	}

	p := Defaults()
	if rec.Threshold > 0 && rec.Threshold <= 1 {
		p.Threshold = rec.Threshold
	}

	var stored map[string]string
	if rec.Permissions != "" {
		if err := json.Unmarshal([]byte(rec.Permissions), &stored); err != nil {
			slog.Warn("malformed permissions record, using defaults", "user_id", userID, "error", err)
			return p, nil
		}
	}
	for rawAction, rawSetting := range stored {
		action := permission.ActionType(rawAction)
		setting := permission.Setting(rawSetting)
		if !action.Valid() || !setting.Valid() {
			slog.Warn("dropping invalid permission entry",
				"user_id", userID, "action", rawAction, "setting", rawSetting)
			continue
		}
		p.Permissions[action] = setting
	}

	return p, nil
}

// SetPermission updates one action's setting, preserving the rest of
// the record.
func (m *Manager) SetPermission(userID string, action permission.ActionType, setting permission.Setting) error {
	if !action.Valid() {
		return fmt.Errorf("unknown action type %q", action)
	}
	if !setting.Valid() {
		return fmt.Errorf("unknown permission setting %q", setting)
	}

	current, err := m.Get(userID)
	if err != nil {
		return err
	}
	current.Permissions[action] = setting
	return m.save(userID, current)
}

// SetThreshold updates the user's high-match threshold.
func (m *Manager) SetThreshold(userID string, threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("threshold %v out of range (0, 1]", threshold)
	}

	current, err := m.Get(userID)
	if err != nil {
		return err
	}
	current.Threshold = threshold
	return m.save(userID, current)
}

func (m *Manager) save(userID string, p Preferences) error {
	encoded := make(map[string]string, len(p.Permissions))
	for action, setting := range p.Permissions {
		encoded[string(action)] = string(setting)
	}
	permissions, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("marshalling permissions: %w", err)
	}

	rec := storage.PreferenceRecord{
		UserID:      userID,
		Threshold:   p.Threshold,
		Permissions: string(permissions),
	}
	if err := m.store.SavePreferences(rec); err != nil {
		return fmt.Errorf("saving preferences for %q: %w", userID, err)
	}
	return nil
}
