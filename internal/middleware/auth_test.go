package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"fireframe/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifierStub struct {
	tokens map[string]string
}

func (v verifierStub) GetUser(_ context.Context, token string) (*models.AuthUser, error) {
	id, ok := v.tokens[token]
	if !ok {
		return nil, errors.New("invalid token")
	}
	return &models.AuthUser{ID: id, Email: id + "@example.com"}, nil
}

func TestAuthRequired(t *testing.T) {
	app := fiber.New()
	verifier := verifierStub{tokens: map[string]string{"good-token": "user-123"}}

	app.Get("/test", AuthRequired(verifier), func(c *fiber.Ctx) error {
		u, ok := AuthUserFrom(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"userID": c.Locals(LocalUserID), "email": u.Email})
	})

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
		expectedUserID string
	}{
		{"Happy Path", "Bearer good-token", http.StatusOK, "user-123"},
		{"Missing Header", "", http.StatusUnauthorized, ""},
		{"Invalid Format", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
		{"Empty Bearer", "Bearer ", http.StatusUnauthorized, ""},
		{"Unknown Token", "Bearer forged", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			if tt.expectedStatus == http.StatusOK {
				var body map[string]string
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, tt.expectedUserID, body["userID"])
				assert.Equal(t, "user-123@example.com", body["email"])
			}
		})
	}
}

func TestWebSocketAuthRequired_QueryToken(t *testing.T) {
	app := fiber.New()
	verifier := verifierStub{tokens: map[string]string{"ws-token": "user-9"}}
	app.Get("/ws", WebSocketAuthRequired(verifier), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(LocalUserID).(string))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws?token=ws-token", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIKeyRequired(t *testing.T) {
	app := fiber.New()
	app.Get("/api", APIKeyRequired("anon", "service"), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(LocalRole).(string))
	})

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantRole   string
	}{
		{"anon header", "anon", "", http.StatusOK, RoleAnon},
		{"service header", "service", "", http.StatusOK, RoleServiceRole},
		{"anon query", "", "anon", http.StatusOK, RoleAnon},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"wrong", "nope", "", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api"
			if tt.query != "" {
				target += "?apikey=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("apikey", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantRole != "" {
				body, _ := io.ReadAll(resp.Body)
				assert.Equal(t, tt.wantRole, string(body))
			}
		})
	}
}

func TestAPIKeyRequired_NoServiceKeyConfigured(t *testing.T) {
	app := fiber.New()
	app.Get("/api", APIKeyRequired("anon", ""), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("apikey", "")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
