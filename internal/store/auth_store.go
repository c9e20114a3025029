package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"fireframe/internal/localstore"
	"fireframe/internal/models"
	"fireframe/internal/observability"
	"fireframe/internal/profiles"
	"fireframe/internal/provider"
	"fireframe/internal/validation"
)

// PersistKey is the local storage key holding the signed-in user.
const PersistKey = "auth-storage"

// DefaultSignInFailsafe is how long SignIn may keep IsLoading set.
const DefaultSignInFailsafe = 10 * time.Second

// AuthState mirrors the session lifecycle for the view.
type AuthState struct {
	Session         *models.Session `json:"session,omitempty"`
	User            *models.User    `json:"user,omitempty"`
	IsAuthenticated bool            `json:"isAuthenticated"`
	IsLoading       bool            `json:"isLoading"`
	Error           string          `json:"error,omitempty"`
}

func (s AuthState) clone() AuthState {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	if s.Session != nil {
		sess := *s.Session
		s.Session = &sess
	}
	return s
}

// persistedAuth is the on-disk shape: {"state":{"user":...},"version":0}.
type persistedAuth struct {
	State struct {
		User *models.User `json:"user"`
	} `json:"state"`
	Version int `json:"version"`
}

// AuthOptions tunes an AuthStore.
type AuthOptions struct {
	// SignInFailsafe bounds how long IsLoading stays set during SignIn.
	SignInFailsafe time.Duration
	// ResetRedirect is the default target of password reset links.
	ResetRedirect string
}

// AuthStore wraps the provider's auth capability and keeps the signed-in
// user's profile alongside the session.
type AuthStore struct {
	auth     provider.Auth
	profiles *profiles.Service
	storage  localstore.Storage
	opts     AuthOptions
	log      *slog.Logger

	mu          sync.Mutex
	state       AuthState
	initialized bool
	attempt     int

	views listeners[AuthState]
}

// NewAuthStore builds a store in the loading state. storage may be nil.
func NewAuthStore(auth provider.Auth, profileSvc *profiles.Service, storage localstore.Storage, opts AuthOptions) *AuthStore {
	if storage == nil {
		storage = localstore.NewMemoryStorage()
	}
	if opts.SignInFailsafe <= 0 {
		opts.SignInFailsafe = DefaultSignInFailsafe
	}
	return &AuthStore{
		auth:     auth,
		profiles: profileSvc,
		storage:  storage,
		opts:     opts,
		log:      observability.GlobalLogger.Logger,
		state:    AuthState{IsLoading: true},
	}
}

// Snapshot returns a copy of the current state.
func (s *AuthStore) Snapshot() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Subscribe registers a view listener called after every state change.
func (s *AuthStore) Subscribe(fn func(AuthState)) func() {
	return s.views.add(fn)
}

func (s *AuthStore) update(mutate func(*AuthState)) {
	s.mu.Lock()
	mutate(&s.state)
	snap := s.state.clone()
	s.mu.Unlock()
	s.views.notify(snap)
}

func (s *AuthStore) fail(err error) error {
	s.update(func(st *AuthState) {
		st.Error = err.Error()
		st.IsLoading = false
	})
	return err
}

func (s *AuthStore) persist(user *models.User) {
	var p persistedAuth
	p.State.User = user
	if err := s.storage.Save(PersistKey, p); err != nil {
		s.log.Warn("failed to persist auth state", slog.String("error", err.Error()))
	}
}

// Initialize restores the persisted user, adopts the provider's current
// session and follows later session changes. The returned function stops
// following them.
func (s *AuthStore) Initialize(ctx context.Context) func() {
	var p persistedAuth
	if found, err := s.storage.Load(PersistKey, &p); err != nil {
		s.log.WarnContext(ctx, "ignoring unreadable auth state", slog.String("error", err.Error()))
	} else if found && p.State.User != nil {
		s.update(func(st *AuthState) { st.User = p.State.User })
	}

	listenCtx := context.WithoutCancel(ctx)
	sess, err := s.auth.GetSession(ctx)
	switch {
	case err != nil:
		_ = s.fail(err)
	case sess != nil:
		s.applySession(listenCtx, sess)
	default:
		s.update(func(st *AuthState) { st.IsLoading = false })
	}

	unsub := s.auth.OnAuthStateChange(func(_ provider.AuthEvent, sess *models.Session) {
		s.applySession(listenCtx, sess)
	})
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			s.mu.Lock()
			s.initialized = false
			s.mu.Unlock()
		})
	}
}

// applySession refetches (or provisions) the profile for sess. A nil
// session clears the state.
func (s *AuthStore) applySession(ctx context.Context, sess *models.Session) {
	if sess == nil {
		s.update(func(st *AuthState) {
			st.Session = nil
			st.User = nil
			st.IsAuthenticated = false
			st.IsLoading = false
		})
		s.persist(nil)
		return
	}

	user, err := s.profiles.Fetch(ctx, sess.User)
	s.update(func(st *AuthState) {
		st.Session = sess
		st.IsLoading = false
		if err != nil {
			st.User = nil
			st.IsAuthenticated = false
			st.Error = err.Error()
			return
		}
		st.User = &user
		st.IsAuthenticated = true
	})
	if err == nil {
		s.persist(&user)
	}
}

// afterSignIn covers callers that never ran Initialize, where no listener
// picks the new session up.
func (s *AuthStore) afterSignIn(ctx context.Context, sess *models.Session) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		s.applySession(ctx, sess)
	}
}

func (s *AuthStore) begin() {
	s.update(func(st *AuthState) {
		st.IsLoading = true
		st.Error = ""
	})
}

// SignUp registers an account with username in its metadata.
func (s *AuthStore) SignUp(ctx context.Context, email, password, username string) error {
	if err := validation.ValidateUsername(username); err != nil {
		return s.fail(err)
	}
	s.begin()
	free, err := s.profiles.UsernameAvailable(ctx, username)
	if err != nil {
		return s.fail(err)
	}
	if !free {
		return s.fail(provider.ErrUsernameTaken)
	}
	sess, err := s.auth.SignUp(ctx, email, password, map[string]any{"username": username})
	if err != nil {
		return s.fail(err)
	}
	s.afterSignIn(ctx, sess)
	s.update(func(st *AuthState) { st.IsLoading = false })
	return nil
}

// SignIn signs in with email and password. If the provider has not answered
// within the failsafe, IsLoading is cleared while the request continues.
func (s *AuthStore) SignIn(ctx context.Context, email, password string) error {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()
	s.begin()

	timer := time.AfterFunc(s.opts.SignInFailsafe, func() {
		s.mu.Lock()
		current := s.attempt == attempt && s.state.IsLoading
		s.mu.Unlock()
		if current {
			s.log.Warn("sign-in still pending, clearing loading state")
			s.update(func(st *AuthState) { st.IsLoading = false })
		}
	})
	defer timer.Stop()

	sess, err := s.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return s.fail(err)
	}
	s.afterSignIn(ctx, sess)
	s.update(func(st *AuthState) { st.IsLoading = false })
	return nil
}

// SignInWithOAuth starts a redirect sign-in and returns the consent URL.
func (s *AuthStore) SignInWithOAuth(ctx context.Context, providerName, redirectTo string) (string, error) {
	s.begin()
	url, err := s.auth.SignInWithOAuth(ctx, providerName, redirectTo)
	if err != nil {
		return "", s.fail(err)
	}
	s.update(func(st *AuthState) { st.IsLoading = false })
	return url, nil
}

// CompleteOAuth finishes a redirect sign-in with the callback parameters.
func (s *AuthStore) CompleteOAuth(ctx context.Context, providerName, code, state string) error {
	s.begin()
	sess, err := s.auth.ExchangeCodeForSession(ctx, providerName, code, state)
	if err != nil {
		return s.fail(err)
	}
	s.afterSignIn(ctx, sess)
	s.update(func(st *AuthState) { st.IsLoading = false })
	return nil
}

// SignOut ends the session and forgets the user, even when the provider
// reports an error.
func (s *AuthStore) SignOut(ctx context.Context) error {
	s.update(func(st *AuthState) { st.IsLoading = true })
	err := s.auth.SignOut(ctx)
	s.update(func(st *AuthState) {
		*st = AuthState{}
	})
	if rmErr := s.storage.Remove(PersistKey); rmErr != nil {
		s.log.Warn("failed to clear auth state", slog.String("error", rmErr.Error()))
	}
	return err
}

// ResetPassword mails a reset link. An empty redirectTo uses the default.
func (s *AuthStore) ResetPassword(ctx context.Context, email, redirectTo string) error {
	if redirectTo == "" {
		redirectTo = s.opts.ResetRedirect
	}
	if err := s.auth.ResetPasswordForEmail(ctx, email, redirectTo); err != nil {
		s.update(func(st *AuthState) { st.Error = err.Error() })
		return err
	}
	return nil
}

// CompletePasswordReset sets a new password using a reset link token.
func (s *AuthStore) CompletePasswordReset(ctx context.Context, token, newPassword string) error {
	if err := s.auth.UpdatePassword(ctx, token, newPassword); err != nil {
		s.update(func(st *AuthState) { st.Error = err.Error() })
		return err
	}
	return nil
}

func (s *AuthStore) currentUser() *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.User == nil {
		return nil
	}
	u := *s.state.User
	return &u
}

// UpdateProfile patches the signed-in user's profile and merges the result
// into the local user.
func (s *AuthStore) UpdateProfile(ctx context.Context, upd models.ProfileUpdate) error {
	user := s.currentUser()
	if user == nil {
		err := models.NewUnauthorizedError("No user logged in")
		s.update(func(st *AuthState) { st.Error = err.Error() })
		return err
	}
	s.begin()
	updated, err := s.profiles.Update(ctx, user.ID, upd)
	if err != nil {
		return s.fail(err)
	}
	s.update(func(st *AuthState) {
		st.User = &updated
		st.IsLoading = false
	})
	s.persist(&updated)
	return nil
}

// UploadAvatar replaces the signed-in user's avatar and returns its URL.
// If the profile patch fails the uploaded file stays and the local user is
// unchanged.
func (s *AuthStore) UploadAvatar(ctx context.Context, filename string, r io.Reader) (string, error) {
	user := s.currentUser()
	if user == nil {
		return "", models.NewUnauthorizedError("No user logged in")
	}
	url, err := s.profiles.UploadAvatar(ctx, user.ID, filename, r)
	if err != nil {
		s.update(func(st *AuthState) { st.Error = err.Error() })
		return "", err
	}
	var updated models.User
	s.update(func(st *AuthState) {
		if st.User != nil && st.User.ID == user.ID {
			st.User.AvatarURL = url
			updated = *st.User
		}
	})
	if updated.ID != "" {
		s.persist(&updated)
	}
	return url, nil
}
