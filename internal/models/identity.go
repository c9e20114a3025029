package models

import "time"

// Identity is an authentication record owned by the backend adapter. Its ID
// is the user id shared with the users table.
type Identity struct {
	ID              string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Email           string     `gorm:"size:255;uniqueIndex" json:"email"`
	PasswordHash    string     `gorm:"size:255" json:"-"`
	Provider        string     `gorm:"size:32;not null;default:'email';index:idx_identity_provider_subject" json:"provider"`
	ProviderSubject string     `gorm:"size:255;index:idx_identity_provider_subject" json:"provider_subject,omitempty"`
	Username        string     `gorm:"size:64" json:"username"`
	CreatedAt       time.Time  `json:"created_at"`
	LastSignInAt    *time.Time `json:"last_sign_in_at,omitempty"`
}

// TableName specifies the table name for GORM.
func (Identity) TableName() string {
	return "auth_identities"
}

// AuthUser is the identity carried by a session.
type AuthUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// MetadataString returns a string entry of the user metadata.
func (u AuthUser) MetadataString(key string) string {
	if u.UserMetadata == nil {
		return ""
	}
	s, _ := u.UserMetadata[key].(string)
	return s
}

// Session is an authenticated provider session.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        AuthUser  `json:"user"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}
