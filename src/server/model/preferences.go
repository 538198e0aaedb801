package model

import (
	"context"
	"database/sql"
	"errors"
)

// ErrUserNotFound is returned when a preference lookup targets a user the
// platform has no profile for. Callers treat this as "skip delivery", not
// as a failure.
var ErrUserNotFound = errors.New("user not found")

// DeliveryPreferences holds a user's per-channel delivery flags and the
// contact info needed by the email channel.
type DeliveryPreferences struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	Email        string `json:"email"`
	PushEnabled  bool   `json:"push_enabled"`
	EmailEnabled bool   `json:"email_enabled"`
	SMSEnabled   bool   `json:"sms_enabled"`
}

// PreferenceModel reads delivery preferences from the platform's user
// profile table.
type PreferenceModel struct {
	DB *sql.DB
}

// GetPreferences returns the delivery preferences for a user, or
// ErrUserNotFound if no profile row exists.
func (m *PreferenceModel) GetPreferences(ctx context.Context, userID string) (*DeliveryPreferences, error) {
	prefs := &DeliveryPreferences{UserID: userID}
	err := m.DB.QueryRowContext(ctx, `
		SELECT display_name, email, allow_push, allow_email, allow_sms
		FROM user_profiles WHERE user_id = ?
	`, userID).Scan(&prefs.DisplayName, &prefs.Email,
		&prefs.PushEnabled, &prefs.EmailEnabled, &prefs.SMSEnabled)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return prefs, nil
}

// UpsertPreferences creates or replaces a user's profile row. The admin
// surface that edits profiles lives outside this service; this is exposed
// for it and for tests.
func (m *PreferenceModel) UpsertPreferences(ctx context.Context, prefs *DeliveryPreferences) error {
	_, err := m.DB.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, display_name, email, allow_push, allow_email, allow_sms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			allow_push = excluded.allow_push,
			allow_email = excluded.allow_email,
			allow_sms = excluded.allow_sms
	`, prefs.UserID, prefs.DisplayName, prefs.Email,
		prefs.PushEnabled, prefs.EmailEnabled, prefs.SMSEnabled)
	return err
}
