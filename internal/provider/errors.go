package provider

import (
	"errors"
	"fmt"
)

// Error codes surfaced by Tables and Storage.
const (
	// CodeNoRows mirrors PostgREST's "JSON object requested, multiple (or no) rows returned".
	CodeNoRows          = "PGRST116"
	CodeUniqueViolation = "23505"
	CodeDuplicate       = "Duplicate"
	CodeNotFound        = "NotFound"
	CodeInvalidInput    = "InvalidInput"
)

// Error is a table or storage request failure.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// HasCode reports whether err is a provider *Error with code.
func HasCode(err error, code string) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// IsNoRows reports whether err means a single-row fetch found nothing.
func IsNoRows(err error) bool {
	return HasCode(err, CodeNoRows)
}

// AuthError is an authentication failure. Message is suitable for display.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// Common auth failures.
var (
	ErrInvalidCredentials = &AuthError{Status: 400, Code: "invalid_credentials", Message: "Invalid login credentials"}
	ErrUserAlreadyExists  = &AuthError{Status: 422, Code: "user_already_exists", Message: "User already registered"}
	ErrUsernameTaken      = &AuthError{Status: 422, Code: "username_taken", Message: "Username already taken"}
	ErrInvalidToken       = &AuthError{Status: 401, Code: "bad_jwt", Message: "Invalid or expired token"}
	ErrSessionMissing     = &AuthError{Status: 401, Code: "session_not_found", Message: "Auth session missing!"}
	ErrUnknownProvider    = &AuthError{Status: 400, Code: "provider_disabled", Message: "Unsupported provider: provider is not enabled"}
	ErrInvalidOAuthState  = &AuthError{Status: 400, Code: "bad_oauth_state", Message: "OAuth state is invalid or expired"}
	ErrInvalidRecovery    = &AuthError{Status: 400, Code: "otp_expired", Message: "Password reset link is invalid or has expired"}
)

// IsAuthError reports whether err is an *AuthError with code.
func IsAuthError(err error, code string) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Code == code
}

// IsDuplicate reports whether err is a uniqueness conflict from Tables or Storage.
func IsDuplicate(err error) bool {
	return HasCode(err, CodeUniqueViolation) || HasCode(err, CodeDuplicate)
}
