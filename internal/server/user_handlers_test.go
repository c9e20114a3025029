package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireframe/internal/models"
	"fireframe/internal/testutil"
)

func multipartBody(t *testing.T, field, filename string, content []byte, values map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	for k, v := range values {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestGetMyProfile_RequiresAuth(t *testing.T) {
	env := newTestEnv(t, "")

	resp, raw := env.do(t, http.MethodGet, "/api/users/me", nil, "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, decodeError(t, raw).Error)
}

func TestUpdateMyProfile_PublicViewHidesPrivateContacts(t *testing.T) {
	env := newTestEnv(t, "")
	sess := env.signup(t, "paula")
	token := sess.Session.AccessToken

	upd := models.ProfileUpdate{Contacts: &models.Contacts{
		Website:   &models.ContactValue{Value: "https://paula.example.com", IsPublic: true},
		Phone:     &models.ContactValue{Value: "+1 555 0100", IsPublic: false},
		Messaging: &models.MessagingContact{Platform: "signal", Username: "paula", IsPublic: false},
	}}
	resp, raw := env.do(t, http.MethodPatch, "/api/users/me", upd, token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(raw))
	var mine models.User
	require.NoError(t, json.Unmarshal(raw, &mine))
	require.NotNil(t, mine.Contacts)
	require.NotNil(t, mine.Contacts.Phone)
	assert.Equal(t, "+1 555 0100", mine.Contacts.Phone.Value)

	resp, raw = env.do(t, http.MethodGet, "/api/users/paula", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(raw))
	var public models.User
	require.NoError(t, json.Unmarshal(raw, &public))
	assert.Equal(t, "paula", public.Username)
	assert.Empty(t, public.Email)
	require.NotNil(t, public.Contacts)
	require.NotNil(t, public.Contacts.Website)
	assert.Equal(t, "https://paula.example.com", public.Contacts.Website.Value)
	assert.Nil(t, public.Contacts.Phone)
	assert.Nil(t, public.Contacts.Messaging)
}

func TestUpdateMyProfile_Validation(t *testing.T) {
	env := newTestEnv(t, "")
	token := env.signup(t, "victor").Session.AccessToken

	resp, _ := env.do(t, http.MethodPatch, "/api/users/me", models.ProfileUpdate{}, token)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	bad := "no spaces"
	resp, raw := env.do(t, http.MethodPatch, "/api/users/me", models.ProfileUpdate{Username: &bad}, token)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, raw).Code)

	req := httptest.NewRequest(http.MethodPatch, "/api/users/me", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", testAnonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, _ = env.send(t, req)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestGetUserProfile_NotFound(t *testing.T) {
	env := newTestEnv(t, "")

	resp, raw := env.do(t, http.MethodGet, "/api/users/nobody", nil, "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeError(t, raw).Code)
}

func TestUploadMyAvatar(t *testing.T) {
	env := newTestEnv(t, "")
	sess := env.signup(t, "ava")

	body, contentType := multipartBody(t, "avatar", "me.png", testutil.TinyPNG(t, 8, 8), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/users/me/avatar", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("apikey", testAnonKey)
	req.Header.Set("Authorization", "Bearer "+sess.Session.AccessToken)
	resp, raw := env.send(t, req)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(raw))

	var out struct {
		AvatarURL string `json:"avatarUrl"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, testBaseURL+"/storage/v1/object/public/avatars/"+sess.User.ID+"/avatar.png", out.AvatarURL)

	// The object is served back from the public storage route.
	resp, raw = env.send(t, httptest.NewRequest(http.MethodGet, strings.TrimPrefix(out.AvatarURL, testBaseURL), nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, raw)

	resp, raw = env.do(t, http.MethodGet, "/api/users/me", nil, sess.Session.AccessToken)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), out.AvatarURL)
}

func TestUploadMyAvatar_RejectsNonImages(t *testing.T) {
	env := newTestEnv(t, "")
	token := env.signup(t, "nina").Session.AccessToken

	body, contentType := multipartBody(t, "avatar", "notes.txt", []byte("plain text"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/users/me/avatar", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("apikey", testAnonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, _ := env.send(t, req)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/users/me/avatar", nil, token)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
