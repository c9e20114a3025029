package backend

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"fireframe/internal/localstore"
	"fireframe/internal/models"
	"fireframe/internal/provider"
)

// SessionStorageKey is the local storage key holding the current session.
const SessionStorageKey = "fireframe-auth-token"

// AuthClient is the stateful provider.Auth: it keeps the current session,
// persists it to local storage and notifies listeners on every transition.
type AuthClient struct {
	service *AuthService
	storage localstore.Storage
	now     func() time.Time

	mu        sync.Mutex
	session   *models.Session
	restored  bool
	listeners map[int]provider.AuthStateListener
	nextID    int
}

// NewAuthClient wraps service. storage may be nil for a session that lives
// only in memory.
func NewAuthClient(service *AuthService, storage localstore.Storage) *AuthClient {
	if storage == nil {
		storage = localstore.NewMemoryStorage()
	}
	return &AuthClient{
		service:   service,
		storage:   storage,
		now:       service.now,
		listeners: make(map[int]provider.AuthStateListener),
	}
}

// restore loads the persisted session once. Callers hold mu.
func (c *AuthClient) restore() {
	if c.restored {
		return
	}
	c.restored = true
	var sess models.Session
	found, err := c.storage.Load(SessionStorageKey, &sess)
	if err != nil {
		slog.Warn("discarding unreadable persisted session", slog.String("error", err.Error()))
		_ = c.storage.Remove(SessionStorageKey)
		return
	}
	if found && sess.AccessToken != "" {
		c.session = &sess
	}
}

func (c *AuthClient) setSession(sess *models.Session) {
	c.mu.Lock()
	c.restored = true
	c.session = sess
	c.mu.Unlock()

	var err error
	if sess == nil {
		err = c.storage.Remove(SessionStorageKey)
	} else {
		err = c.storage.Save(SessionStorageKey, sess)
	}
	if err != nil {
		slog.Warn("failed to persist session", slog.String("error", err.Error()))
	}
}

func (c *AuthClient) emit(event provider.AuthEvent, sess *models.Session) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	listeners := make([]provider.AuthStateListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(event, sess)
	}
}

func (c *AuthClient) signedIn(sess *models.Session) *models.Session {
	c.setSession(sess)
	c.emit(provider.AuthSignedIn, sess)
	return sess
}

// SignUp registers and signs in.
func (c *AuthClient) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*models.Session, error) {
	sess, err := c.service.SignUp(ctx, email, password, metadata)
	if err != nil {
		return nil, err
	}
	return c.signedIn(sess), nil
}

// SignInWithPassword signs in with email and password.
func (c *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	sess, err := c.service.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return c.signedIn(sess), nil
}

// SignInWithOAuth returns the provider consent URL.
func (c *AuthClient) SignInWithOAuth(ctx context.Context, providerName, redirectTo string) (string, error) {
	return c.service.AuthorizeURL(ctx, providerName, redirectTo)
}

// ExchangeCodeForSession completes an OAuth sign-in.
func (c *AuthClient) ExchangeCodeForSession(ctx context.Context, providerName, code, state string) (*models.Session, error) {
	sess, _, err := c.service.Exchange(ctx, providerName, code, state)
	if err != nil {
		return nil, err
	}
	return c.signedIn(sess), nil
}

// SignOut revokes and forgets the current session. The local session is
// dropped even when revocation fails; the revocation error is returned.
func (c *AuthClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.restore()
	sess := c.session
	c.mu.Unlock()

	var err error
	if sess != nil {
		err = c.service.Revoke(ctx, sess.AccessToken)
	}
	c.setSession(nil)
	c.emit(provider.AuthSignedOut, nil)
	return err
}

// ResetPasswordForEmail sends a recovery link.
func (c *AuthClient) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	if redirectTo == "" {
		redirectTo = c.service.DefaultRecoveryRedirect()
	}
	return c.service.RequestRecovery(ctx, email, redirectTo)
}

// UpdatePassword completes a recovery.
func (c *AuthClient) UpdatePassword(ctx context.Context, recoveryToken, newPassword string) error {
	if err := c.service.ResetPassword(ctx, recoveryToken, newPassword); err != nil {
		return err
	}
	c.mu.Lock()
	c.restore()
	sess := c.session
	c.mu.Unlock()
	c.emit(provider.AuthPasswordRecovery, sess)
	return nil
}

// GetSession returns the current session, or nil when signed out or expired.
func (c *AuthClient) GetSession(context.Context) (*models.Session, error) {
	c.mu.Lock()
	c.restore()
	sess := c.session
	c.mu.Unlock()

	if sess != nil && sess.Expired(c.now()) {
		c.setSession(nil)
		c.emit(provider.AuthSignedOut, nil)
		return nil, nil
	}
	return sess, nil
}

// GetUser validates accessToken.
func (c *AuthClient) GetUser(ctx context.Context, accessToken string) (*models.AuthUser, error) {
	return c.service.GetUser(ctx, accessToken)
}

// OnAuthStateChange registers listener. Listeners run synchronously on the
// goroutine that caused the transition.
func (c *AuthClient) OnAuthStateChange(listener provider.AuthStateListener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}
