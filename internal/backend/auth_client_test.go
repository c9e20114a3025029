package backend

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireframe/internal/models"
	"fireframe/internal/provider"
)

type recordedEvent struct {
	event   provider.AuthEvent
	session *models.Session
}

func TestAuthClient_SignInPersistsAndNotifies(t *testing.T) {
	env := newTestBackend(t, nil)
	auth := env.backend.Auth()
	ctx := context.Background()

	var events []recordedEvent
	var order []string
	unsubA := auth.OnAuthStateChange(func(e provider.AuthEvent, s *models.Session) {
		events = append(events, recordedEvent{e, s})
		order = append(order, "a")
	})
	defer unsubA()
	unsubB := auth.OnAuthStateChange(func(provider.AuthEvent, *models.Session) { order = append(order, "b") })
	defer unsubB()

	sess, err := auth.SignUp(ctx, "c@example.com", goodPassword, map[string]any{"username": "client"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, provider.AuthSignedIn, events[0].event)
	assert.Equal(t, sess.AccessToken, events[0].session.AccessToken)
	assert.Equal(t, []string{"a", "b"}, order)

	var stored models.Session
	found, err := env.session.Load(SessionStorageKey, &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sess.AccessToken, stored.AccessToken)

	current, err := auth.GetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, sess.AccessToken, current.AccessToken)

	require.NoError(t, auth.SignOut(ctx))
	require.Len(t, events, 2)
	assert.Equal(t, provider.AuthSignedOut, events[1].event)
	assert.Nil(t, events[1].session)

	_, ok := env.session.Raw(SessionStorageKey)
	assert.False(t, ok)
	current, err = auth.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	_, err = auth.GetUser(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, provider.ErrInvalidToken)
}

func TestAuthClient_SignOutForgetsSessionWhenRevokeFails(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	env := newTestBackend(t, rdb)
	auth := env.backend.Auth()
	ctx := context.Background()

	var events []provider.AuthEvent
	auth.OnAuthStateChange(func(e provider.AuthEvent, _ *models.Session) { events = append(events, e) })

	_, err := auth.SignUp(ctx, "gone@example.com", goodPassword, map[string]any{"username": "gone"})
	require.NoError(t, err)

	mr.Close()
	err = auth.SignOut(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoke token")

	assert.Equal(t, []provider.AuthEvent{provider.AuthSignedIn, provider.AuthSignedOut}, events)
	_, ok := env.session.Raw(SessionStorageKey)
	assert.False(t, ok)
	current, err := auth.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	// A fresh client over the same storage finds nothing to restore.
	restored := NewAuthClient(env.backend.AuthService(), env.session)
	current, err = restored.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestAuthClient_FailedSignInEmitsNothing(t *testing.T) {
	env := newTestBackend(t, nil)
	auth := env.backend.Auth()
	calls := 0
	auth.OnAuthStateChange(func(provider.AuthEvent, *models.Session) { calls++ })

	_, err := auth.SignInWithPassword(context.Background(), "none@example.com", goodPassword)
	assert.ErrorIs(t, err, provider.ErrInvalidCredentials)
	assert.Zero(t, calls)
}

func TestAuthClient_RestoresPersistedSession(t *testing.T) {
	env := newTestBackend(t, nil)
	ctx := context.Background()
	sess, err := env.backend.Auth().SignUp(ctx, "p@example.com", goodPassword, nil)
	require.NoError(t, err)

	fresh := NewAuthClient(env.backend.AuthService(), env.session)
	restored, err := fresh.GetSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, sess.AccessToken, restored.AccessToken)
	assert.Equal(t, sess.User.ID, restored.User.ID)
}

func TestAuthClient_ExpiredSessionSignsOut(t *testing.T) {
	env := newTestBackend(t, nil)
	ctx := context.Background()
	client := NewAuthClient(env.backend.AuthService(), env.session)
	_, err := client.SignUp(ctx, "x@example.com", goodPassword, nil)
	require.NoError(t, err)

	var got []provider.AuthEvent
	client.OnAuthStateChange(func(e provider.AuthEvent, _ *models.Session) { got = append(got, e) })
	client.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	sess, err := client.GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, []provider.AuthEvent{provider.AuthSignedOut}, got)
	_, ok := env.session.Raw(SessionStorageKey)
	assert.False(t, ok)
}

func TestAuthClient_UnsubscribeIsIdempotent(t *testing.T) {
	env := newTestBackend(t, nil)
	auth := env.backend.Auth()
	calls := 0
	unsub := auth.OnAuthStateChange(func(provider.AuthEvent, *models.Session) { calls++ })
	unsub()
	unsub()

	_, err := auth.SignUp(context.Background(), "u@example.com", goodPassword, nil)
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestAuthClient_PasswordRecoveryEvent(t *testing.T) {
	env := newTestBackend(t, nil)
	auth := env.backend.Auth()
	ctx := context.Background()
	_, err := env.backend.AuthService().SignUp(ctx, "pr@example.com", goodPassword, nil)
	require.NoError(t, err)

	require.NoError(t, auth.ResetPasswordForEmail(ctx, "pr@example.com", ""))
	link := env.mailer.link("pr@example.com")
	require.Contains(t, link, "http://localhost:8375/auth/reset-password?")

	var got []provider.AuthEvent
	auth.OnAuthStateChange(func(e provider.AuthEvent, _ *models.Session) { got = append(got, e) })
	token := queryParam(t, link, "token")
	require.NoError(t, auth.UpdatePassword(ctx, token, "An0ther!pass"))
	assert.Equal(t, []provider.AuthEvent{provider.AuthPasswordRecovery}, got)
}

func queryParam(t *testing.T, raw, key string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get(key)
}
