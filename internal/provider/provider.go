// Package provider defines the capability contract the application uses to
// reach its backend: authentication, tabular storage, object storage and a
// row-level change feed. internal/backend holds the one concrete adapter.
package provider

import (
	"context"
	"io"

	"fireframe/internal/models"
)

// Provider bundles the backend capabilities.
type Provider interface {
	Auth() Auth
	Tables() Tables
	Storage() Storage
	Realtime() Realtime
	Close() error
}

// AuthEvent names a session transition.
type AuthEvent string

const (
	AuthInitialSession   AuthEvent = "INITIAL_SESSION"
	AuthSignedIn         AuthEvent = "SIGNED_IN"
	AuthSignedOut        AuthEvent = "SIGNED_OUT"
	AuthUserUpdated      AuthEvent = "USER_UPDATED"
	AuthPasswordRecovery AuthEvent = "PASSWORD_RECOVERY"
)

// AuthStateListener observes session transitions. A nil session means signed out.
type AuthStateListener func(event AuthEvent, session *models.Session)

// Auth is the client-side session API. Implementations hold one current
// session and notify listeners on every transition.
type Auth interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*models.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error)
	// SignInWithOAuth returns the URL the user must visit to authorize.
	SignInWithOAuth(ctx context.Context, provider, redirectTo string) (string, error)
	ExchangeCodeForSession(ctx context.Context, provider, code, state string) (*models.Session, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	UpdatePassword(ctx context.Context, recoveryToken, newPassword string) error
	GetSession(ctx context.Context) (*models.Session, error)
	GetUser(ctx context.Context, accessToken string) (*models.AuthUser, error)
	OnAuthStateChange(listener AuthStateListener) (unsubscribe func())
}

// Tables is row access over named tables. Rows are the gorm row structs from
// internal/models; dest arguments are pointers to a row or a slice of rows.
type Tables interface {
	Select(ctx context.Context, table string, q Query, dest any) error
	// SelectSingle returns an *Error with CodeNoRows when nothing matches.
	SelectSingle(ctx context.Context, table string, q Query, dest any) error
	// Insert stores row and fills generated columns back into it.
	Insert(ctx context.Context, table string, row any) error
	Update(ctx context.Context, table string, values map[string]any, filters ...Filter) (int64, error)
	Delete(ctx context.Context, table string, filters ...Filter) (int64, error)
}

// UploadOptions controls object uploads.
type UploadOptions struct {
	ContentType  string
	CacheControl string
	// Upsert overwrites an existing object. Without it an existing path fails
	// with CodeDuplicate.
	Upsert bool
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket      string
	Path        string
	Size        int64
	ContentType string
}

// Storage is bucketed object storage with public URLs.
type Storage interface {
	Upload(ctx context.Context, bucket, path string, r io.Reader, size int64, opts UploadOptions) (ObjectInfo, error)
	Download(ctx context.Context, bucket, path string) (io.ReadCloser, ObjectInfo, error)
	PublicURL(bucket, path string) string
}

// Unsubscribe releases a subscription. It is safe to call more than once.
type Unsubscribe func()

// Realtime delivers row-level change events.
type Realtime interface {
	// Subscribe registers handler for events matching sub. Handler calls for
	// one subscription are serialized in publish order.
	Subscribe(ctx context.Context, sub Subscription, handler func(ChangeEvent)) (Unsubscribe, error)
}
