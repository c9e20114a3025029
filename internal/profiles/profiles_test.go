package profiles

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireframe/internal/cache"
	"fireframe/internal/models"
	"fireframe/internal/provider"
	"fireframe/internal/provider/providertest"
	"fireframe/internal/testutil"
)

func strPtr(s string) *string { return &s }

func TestDefaultUsername(t *testing.T) {
	assert.Equal(t, "neo", DefaultUsername(models.AuthUser{Email: "a@b.c", UserMetadata: map[string]any{"username": "neo"}}))
	assert.Equal(t, "trinity", DefaultUsername(models.AuthUser{Email: "trinity@zion.io"}))
	assert.Equal(t, "user", DefaultUsername(models.AuthUser{}))
}

func TestFetch_ProvisionsOnFirstSignIn(t *testing.T) {
	fake := providertest.New()
	svc := NewService(fake, nil, 0)
	ctx := context.Background()
	au := models.AuthUser{ID: "u1", Email: "alice@example.com", UserMetadata: map[string]any{"avatar_url": "http://a/1.png"}}

	user, err := svc.Fetch(ctx, au)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "http://a/1.png", user.AvatarURL)
	require.NotNil(t, user.Contacts)
	assert.False(t, user.Contacts.Website.IsPublic)
	assert.Equal(t, 1, fake.Count(Table))

	again, err := svc.Fetch(ctx, au)
	require.NoError(t, err)
	assert.Equal(t, user.Username, again.Username)
	assert.Equal(t, 1, fake.Calls(providertest.OpInsert))
}

func TestFetch_TakenUsernameGetsSuffix(t *testing.T) {
	fake := providertest.New()
	fake.Seed(Table,
		models.UserRow{ID: "other", Username: "alice"},
		models.UserRow{ID: "another", Username: "alice_2"},
	)
	svc := NewService(fake, nil, 0)
	ctx := context.Background()

	user, err := svc.Fetch(ctx, models.AuthUser{ID: "u1", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "alice_3", user.Username)
	assert.Equal(t, 3, fake.Count(Table))

	// The row is stored, so later updates find it.
	updated, err := svc.Update(ctx, "u1", models.ProfileUpdate{Bio: strPtr("hello")})
	require.NoError(t, err)
	assert.Equal(t, "alice_3", updated.Username)
}

func TestFetch_ProvisioningFailureFallsBack(t *testing.T) {
	fake := providertest.New()
	fake.Fail(providertest.OpInsert, errors.New("offline"))
	svc := NewService(fake, nil, 0)

	user, err := svc.Fetch(context.Background(), models.AuthUser{ID: "u1", Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "alice", user.Username)
	assert.Zero(t, fake.Count(Table))
	assert.Equal(t, 1, fake.Calls(providertest.OpInsert))
}

func TestUsernameAvailable(t *testing.T) {
	fake := providertest.New()
	fake.Seed(Table, models.UserRow{ID: "u1", Username: "alice"})
	svc := NewService(fake, nil, 0)
	ctx := context.Background()

	free, err := svc.UsernameAvailable(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, free)

	free, err = svc.UsernameAvailable(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, free)

	fake.Fail(providertest.OpSelect, errors.New("timeout"))
	_, err = svc.UsernameAvailable(ctx, "bob")
	assert.EqualError(t, err, "timeout")
}

func TestFetch_ReturnsOtherErrors(t *testing.T) {
	fake := providertest.New()
	fake.Fail(providertest.OpSelect, errors.New("timeout"))
	svc := NewService(fake, nil, 0)
	_, err := svc.Fetch(context.Background(), models.AuthUser{ID: "u1"})
	assert.EqualError(t, err, "timeout")
	assert.Zero(t, fake.Calls(providertest.OpInsert))
}

func TestGetByUsername_Cached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fake := providertest.New()
	fake.Seed(Table, models.UserRow{ID: "u1", Username: "alice", Bio: "hi", Phone: "555", PhonePublic: false, WebsiteURL: "https://alice.dev", WebsitePublic: true})
	svc := NewService(fake, cache.NewJSONCache(rdb), 0)
	ctx := context.Background()

	user, err := svc.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hi", user.Bio)
	assert.True(t, mr.Exists(cache.ProfileKey("alice")))

	_, err = svc.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls(providertest.OpSelect))

	public := user.PublicView()
	require.NotNil(t, public.Contacts)
	assert.Nil(t, public.Contacts.Phone)
	assert.Equal(t, "https://alice.dev", public.Contacts.Website.Value)

	_, err = svc.Update(ctx, "u1", models.ProfileUpdate{Bio: strPtr("updated")})
	require.NoError(t, err)
	assert.False(t, mr.Exists(cache.ProfileKey("alice")))
	user, err = svc.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "updated", user.Bio)

	_, err = svc.GetByUsername(ctx, "nobody")
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)
}

func TestUpdate(t *testing.T) {
	fake := providertest.New()
	fake.Seed(Table, models.UserRow{ID: "u1", Username: "alice"}, models.UserRow{ID: "u2", Username: "bob"})
	svc := NewService(fake, nil, 0)
	ctx := context.Background()

	updated, err := svc.Update(ctx, "u1", models.ProfileUpdate{
		Bio:      strPtr("photographer"),
		Contacts: &models.Contacts{Website: &models.ContactValue{Value: "https://a.dev", IsPublic: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "photographer", updated.Bio)
	assert.Equal(t, "https://a.dev", updated.Contacts.Website.Value)

	stored, err := svc.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "photographer", stored.Bio)
	assert.True(t, stored.Contacts.Website.IsPublic)

	_, err = svc.Update(ctx, "u1", models.ProfileUpdate{})
	assert.Error(t, err)
	_, err = svc.Update(ctx, "u1", models.ProfileUpdate{Username: strPtr("no spaces!")})
	assert.Error(t, err)
	_, err = svc.Update(ctx, "missing", models.ProfileUpdate{Bio: strPtr("x")})
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NOT_FOUND", appErr.Code)

	fake.Fail(providertest.OpUpdate, &provider.Error{Code: provider.CodeUniqueViolation, Message: "duplicate"})
	_, err = svc.Update(ctx, "u1", models.ProfileUpdate{Username: strPtr("bob")})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONFLICT", appErr.Code)
}

func TestUploadAvatar(t *testing.T) {
	fake := providertest.New()
	fake.Seed(Table, models.UserRow{ID: "u1", Username: "alice"})
	svc := NewService(fake, nil, 0)
	ctx := context.Background()

	url, err := svc.UploadAvatar(ctx, "u1", "me.PNG", bytes.NewReader(testutil.TinyPNG(t, 5, 5)))
	require.NoError(t, err)
	assert.Equal(t, "http://fireframe.test/storage/v1/object/public/avatars/u1/avatar.png", url)

	// A second upload replaces the first.
	_, err = svc.UploadAvatar(ctx, "u1", "me.png", bytes.NewReader(testutil.TinyPNG(t, 6, 6)))
	require.NoError(t, err)
	uploads := fake.Uploads()
	require.Len(t, uploads, 2)
	assert.True(t, uploads[1].Upsert)

	user, err := svc.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, url, user.AvatarURL)
}

func TestUploadAvatar_PatchFailureKeepsObject(t *testing.T) {
	fake := providertest.New()
	fake.Seed(Table, models.UserRow{ID: "u1", Username: "alice", AvatarURL: "http://old"})
	fake.Fail(providertest.OpUpdate, errors.New("patch failed"))
	svc := NewService(fake, nil, 0)

	_, err := svc.UploadAvatar(context.Background(), "u1", "me.png", bytes.NewReader(testutil.TinyPNG(t, 5, 5)))
	require.EqualError(t, err, "patch failed")

	_, exists := fake.Object(AvatarBucket, "u1/avatar.png")
	assert.True(t, exists)
	user, err := svc.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "http://old", user.AvatarURL)
}
