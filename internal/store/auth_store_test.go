package store

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireframe/internal/localstore"
	"fireframe/internal/models"
	"fireframe/internal/profiles"
	"fireframe/internal/provider"
	"fireframe/internal/provider/providertest"
	"fireframe/internal/testutil"
)

type authEnv struct {
	store   *AuthStore
	fake    *providertest.Fake
	auth    *providertest.FakeAuth
	storage *localstore.MemoryStorage
}

func newAuthEnv(t *testing.T, opts AuthOptions) authEnv {
	t.Helper()
	fake := providertest.New()
	storage := localstore.NewMemoryStorage()
	s := NewAuthStore(fake.Auth(), profiles.NewService(fake, nil, 0), storage, opts)
	return authEnv{store: s, fake: fake, auth: fake.FakeAuth(), storage: storage}
}

type stateLog struct {
	mu     sync.Mutex
	states []AuthState
}

func (l *stateLog) record(s AuthState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) loading() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bool, 0, len(l.states))
	for _, s := range l.states {
		out = append(out, s.IsLoading)
	}
	return out
}

func persistedUser(t *testing.T, storage localstore.Storage) *models.User {
	t.Helper()
	var p persistedAuth
	found, err := storage.Load(PersistKey, &p)
	require.NoError(t, err)
	if !found {
		return nil
	}
	return p.State.User
}

func TestAuthStore_InvalidSignIn(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	stop := env.store.Initialize(context.Background())
	defer stop()

	log := &stateLog{}
	env.store.Subscribe(log.record)

	err := env.store.SignIn(context.Background(), "nobody@example.com", "wrong")
	require.ErrorIs(t, err, provider.ErrInvalidCredentials)

	assert.Equal(t, []bool{true, false}, log.loading())
	st := env.store.Snapshot()
	assert.False(t, st.IsLoading)
	assert.False(t, st.IsAuthenticated)
	assert.Equal(t, "Invalid login credentials", st.Error)
	assert.Nil(t, st.User)
}

func TestAuthStore_SignInProvisionsProfile(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	id := env.auth.AddUser("carol@example.com", "pw", map[string]any{"username": "carol"})
	stop := env.store.Initialize(context.Background())
	defer stop()
	assert.False(t, env.store.Snapshot().IsLoading)

	require.NoError(t, env.store.SignIn(context.Background(), "carol@example.com", "pw"))

	st := env.store.Snapshot()
	assert.True(t, st.IsAuthenticated)
	assert.False(t, st.IsLoading)
	assert.Empty(t, st.Error)
	require.NotNil(t, st.User)
	assert.Equal(t, id, st.User.ID)
	assert.Equal(t, "carol", st.User.Username)
	require.NotNil(t, st.Session)
	assert.Equal(t, "token-"+id, st.Session.AccessToken)
	assert.Equal(t, 1, env.fake.Count(profiles.Table))

	saved := persistedUser(t, env.storage)
	require.NotNil(t, saved)
	assert.Equal(t, "carol", saved.Username)
}

func TestAuthStore_SignInWithoutInitialize(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	env.auth.AddUser("dave@example.com", "pw", nil)

	require.NoError(t, env.store.SignIn(context.Background(), "dave@example.com", "pw"))
	st := env.store.Snapshot()
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "dave", st.User.Username)
}

func TestAuthStore_SignInFailsafe(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{SignInFailsafe: 20 * time.Millisecond})
	env.auth.AddUser("erin@example.com", "pw", nil)
	env.auth.SignInGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- env.store.SignIn(context.Background(), "erin@example.com", "pw") }()

	require.Eventually(t, func() bool {
		st := env.store.Snapshot()
		return !st.IsLoading && !st.IsAuthenticated
	}, 2*time.Second, 5*time.Millisecond)

	close(env.auth.SignInGate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sign-in did not return")
	}
	assert.True(t, env.store.Snapshot().IsAuthenticated)
}

func TestAuthStore_SignUp(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	stop := env.store.Initialize(context.Background())
	defer stop()
	ctx := context.Background()

	err := env.store.SignUp(ctx, "x@example.com", "pw", "no spaces!")
	require.Error(t, err)
	assert.NotEmpty(t, env.store.Snapshot().Error)
	assert.Zero(t, env.fake.Count(profiles.Table))

	require.NoError(t, env.store.SignUp(ctx, "frank@example.com", "pw", "frankie"))
	st := env.store.Snapshot()
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "frankie", st.User.Username)
	assert.Empty(t, st.Error)

	err = env.store.SignUp(ctx, "frank@example.com", "pw", "frankie2")
	assert.ErrorIs(t, err, provider.ErrUserAlreadyExists)
}

func TestAuthStore_SignUpTakenUsername(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	ctx := context.Background()
	stop := env.store.Initialize(ctx)
	defer stop()

	require.NoError(t, env.store.SignUp(ctx, "ivy@example.com", "pw", "ivy"))
	require.NoError(t, env.store.SignOut(ctx))

	err := env.store.SignUp(ctx, "other@example.com", "pw", "ivy")
	require.ErrorIs(t, err, provider.ErrUsernameTaken)
	st := env.store.Snapshot()
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.User)
	assert.Equal(t, "Username already taken", st.Error)
	assert.Equal(t, 1, env.fake.Count(profiles.Table))
}

func TestAuthStore_CollidingMetadataUsernameIsSuffixed(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	ctx := context.Background()
	stop := env.store.Initialize(ctx)
	defer stop()
	env.fake.Seed(profiles.Table, models.UserRow{ID: "first", Username: "ivy"})
	env.auth.AddUser("late@example.com", "pw", map[string]any{"username": "ivy"})

	require.NoError(t, env.store.SignIn(ctx, "late@example.com", "pw"))
	st := env.store.Snapshot()
	require.True(t, st.IsAuthenticated)
	assert.Equal(t, "ivy_2", st.User.Username)

	bio := "second ivy"
	require.NoError(t, env.store.UpdateProfile(ctx, models.ProfileUpdate{Bio: &bio}))
	assert.Equal(t, bio, env.store.Snapshot().User.Bio)
}

func TestAuthStore_InitializeRestores(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	var p persistedAuth
	p.State.User = &models.User{ID: "u1", Username: "ghost"}
	require.NoError(t, env.storage.Save(PersistKey, p))

	stop := env.store.Initialize(context.Background())
	defer stop()
	st := env.store.Snapshot()
	require.NotNil(t, st.User)
	assert.Equal(t, "ghost", st.User.Username)
	assert.False(t, st.IsAuthenticated)
	assert.False(t, st.IsLoading)
}

func TestAuthStore_InitializeAdoptsSession(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	env.fake.Seed(profiles.Table, models.UserRow{ID: "u9", Username: "existing", Bio: "hello"})
	env.auth.SetSession(provider.AuthSignedIn, &models.Session{AccessToken: "t", User: models.AuthUser{ID: "u9", Email: "e@example.com"}})

	stop := env.store.Initialize(context.Background())
	defer stop()

	st := env.store.Snapshot()
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "hello", st.User.Bio)
	assert.Equal(t, 1, env.fake.Count(profiles.Table))

	// A session ended elsewhere clears the store.
	env.auth.SetSession(provider.AuthSignedOut, nil)
	st = env.store.Snapshot()
	assert.False(t, st.IsAuthenticated)
	assert.Nil(t, st.User)
	assert.Nil(t, st.Session)
	assert.Nil(t, persistedUser(t, env.storage))

	// After stop the store no longer follows the provider.
	stop()
	env.auth.SetSession(provider.AuthSignedIn, &models.Session{User: models.AuthUser{ID: "u9"}})
	assert.False(t, env.store.Snapshot().IsAuthenticated)
}

func TestAuthStore_ProfileFetchError(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	env.fake.Fail(providertest.OpSelect, errors.New("db down"))
	env.auth.SetSession(provider.AuthSignedIn, &models.Session{User: models.AuthUser{ID: "u1"}})

	stop := env.store.Initialize(context.Background())
	defer stop()

	st := env.store.Snapshot()
	assert.False(t, st.IsAuthenticated)
	assert.NotNil(t, st.Session)
	assert.Equal(t, "db down", st.Error)
}

func TestAuthStore_SignOut(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	env.auth.AddUser("gail@example.com", "pw", nil)
	ctx := context.Background()
	stop := env.store.Initialize(ctx)
	defer stop()
	require.NoError(t, env.store.SignIn(ctx, "gail@example.com", "pw"))

	require.NoError(t, env.store.SignOut(ctx))
	assert.Equal(t, AuthState{}, env.store.Snapshot())
	var p persistedAuth
	found, err := env.storage.Load(PersistKey, &p)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAuthStore_OAuth(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	ctx := context.Background()
	stop := env.store.Initialize(ctx)
	defer stop()

	url, err := env.store.SignInWithOAuth(ctx, "github", "http://app/callback")
	require.NoError(t, err)
	assert.Contains(t, url, "github")

	_, err = env.store.SignInWithOAuth(ctx, "", "")
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	err = env.store.CompleteOAuth(ctx, "github", "code", "")
	assert.ErrorIs(t, err, provider.ErrInvalidOAuthState)
	assert.False(t, env.store.Snapshot().IsAuthenticated)

	require.NoError(t, env.store.CompleteOAuth(ctx, "github", "octo", "state"))
	st := env.store.Snapshot()
	assert.True(t, st.IsAuthenticated)
	assert.Equal(t, "octo", st.User.Username)
}

func TestAuthStore_PasswordReset(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{ResetRedirect: "http://app/reset"})
	ctx := context.Background()

	require.NoError(t, env.store.ResetPassword(ctx, "a@example.com", ""))
	err := env.store.CompletePasswordReset(ctx, "", "N3w!password")
	assert.ErrorIs(t, err, provider.ErrInvalidRecovery)
	assert.NotEmpty(t, env.store.Snapshot().Error)
	require.NoError(t, env.store.CompletePasswordReset(ctx, "tok", "N3w!password"))
}

func signedIn(t *testing.T, env authEnv) {
	t.Helper()
	env.auth.AddUser("hana@example.com", "pw", map[string]any{"username": "hana"})
	require.NoError(t, env.store.SignIn(context.Background(), "hana@example.com", "pw"))
	require.True(t, env.store.Snapshot().IsAuthenticated)
}

func TestAuthStore_UpdateProfile(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	ctx := context.Background()
	bio := "street photographer"

	err := env.store.UpdateProfile(ctx, models.ProfileUpdate{Bio: &bio})
	require.EqualError(t, err, "No user logged in")
	assert.Equal(t, "No user logged in", env.store.Snapshot().Error)

	signedIn(t, env)
	require.NoError(t, env.store.UpdateProfile(ctx, models.ProfileUpdate{Bio: &bio}))
	st := env.store.Snapshot()
	assert.Equal(t, bio, st.User.Bio)
	assert.Equal(t, "hana", st.User.Username)
	assert.Empty(t, st.Error)
	assert.Equal(t, bio, persistedUser(t, env.storage).Bio)
}

func TestAuthStore_UploadAvatar(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	ctx := context.Background()

	_, err := env.store.UploadAvatar(ctx, "me.png", bytes.NewReader(testutil.TinyPNG(t, 4, 4)))
	require.Error(t, err)

	signedIn(t, env)
	id := env.store.Snapshot().User.ID
	url, err := env.store.UploadAvatar(ctx, "me.png", bytes.NewReader(testutil.TinyPNG(t, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, "http://fireframe.test/storage/v1/object/public/avatars/"+id+"/avatar.png", url)
	assert.Equal(t, url, env.store.Snapshot().User.AvatarURL)
}

func TestAuthStore_UploadAvatarPatchFailure(t *testing.T) {
	env := newAuthEnv(t, AuthOptions{})
	signedIn(t, env)
	env.fake.Fail(providertest.OpUpdate, errors.New("patch rejected"))

	_, err := env.store.UploadAvatar(context.Background(), "me.png", bytes.NewReader(testutil.TinyPNG(t, 4, 4)))
	require.EqualError(t, err, "patch rejected")

	st := env.store.Snapshot()
	assert.Empty(t, st.User.AvatarURL)
	assert.Equal(t, "patch rejected", st.Error)
	_, exists := env.fake.Object(profiles.AvatarBucket, st.User.ID+"/avatar.png")
	assert.True(t, exists)
}
