package server

import (
	"errors"
	"strings"

	"fireframe/internal/middleware"
	"fireframe/internal/models"
	"fireframe/internal/provider"

	"github.com/gofiber/fiber/v2"
)

// Pagination holds parsed limit/offset query parameters.
type Pagination struct {
	Limit  int
	Offset int
}

const (
	maxPaginationLimit = 100
)

// parsePagination extracts limit and offset query parameters with the given default limit.
func parsePagination(c *fiber.Ctx, defaultLimit int) Pagination {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxPaginationLimit {
		limit = maxPaginationLimit
	}

	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	return Pagination{
		Limit:  limit,
		Offset: offset,
	}
}

// window returns the page of list p selects.
func window[T any](list []T, p Pagination) []T {
	if p.Offset >= len(list) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(list) {
		end = len(list)
	}
	return list[p.Offset:end]
}

// statusFor maps an error from the data-access layer onto an HTTP status.
func statusFor(err error) int {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case "VALIDATION_ERROR":
			return fiber.StatusBadRequest
		case "UNAUTHORIZED":
			return fiber.StatusUnauthorized
		case "FORBIDDEN":
			return fiber.StatusForbidden
		case "NOT_FOUND":
			return fiber.StatusNotFound
		case "CONFLICT":
			return fiber.StatusConflict
		}
		return fiber.StatusInternalServerError
	}

	var authErr *provider.AuthError
	if errors.As(err, &authErr) {
		if authErr.Status >= 400 && authErr.Status < 600 {
			return authErr.Status
		}
		return fiber.StatusBadRequest
	}

	switch {
	case provider.IsNoRows(err), provider.HasCode(err, provider.CodeNotFound):
		return fiber.StatusNotFound
	case provider.IsDuplicate(err):
		return fiber.StatusConflict
	case provider.HasCode(err, provider.CodeInvalidInput):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

// respondError writes err with the status statusFor picks. Internal errors
// are logged and their details withheld.
func (s *Server) respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)

	var authErr *provider.AuthError
	if errors.As(err, &authErr) {
		return models.RespondWithError(c, status, &models.AppError{Code: authErr.Code, Message: authErr.Message})
	}
	var appErr *models.AppError
	if status == fiber.StatusInternalServerError && !errors.As(err, &appErr) {
		s.log.ErrorContext(c.UserContext(), "request failed",
			"path", c.Path(), "error", err.Error())
		return models.RespondWithError(c, status, models.NewInternalError(err))
	}
	if status == fiber.StatusNotFound && !errors.As(err, &appErr) {
		return models.RespondWithError(c, status, &models.AppError{Code: "NOT_FOUND", Message: "Not found"})
	}
	return models.RespondWithError(c, status, err)
}

// authUser returns the caller AuthRequired resolved. Handlers behind
// AuthRequired can rely on it being present.
func authUser(c *fiber.Ctx) (models.AuthUser, error) {
	u, ok := middleware.AuthUserFrom(c)
	if !ok {
		return models.AuthUser{}, models.NewUnauthorizedError("Authorization required")
	}
	return *u, nil
}

// currentProfile returns the caller's profile, provisioning it on first use.
func (s *Server) currentProfile(c *fiber.Ctx) (models.User, error) {
	u, err := authUser(c)
	if err != nil {
		return models.User{}, err
	}
	return s.state.Profiles.Fetch(c.UserContext(), u)
}

// featureGate hides a route while flag is off for the caller.
func (s *Server) featureGate(flag string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uid, _ := c.Locals(middleware.LocalUserID).(string)
		if !s.featureFlags.EnabledByDefault(flag, uid) {
			return models.RespondWithError(c, fiber.StatusNotFound,
				&models.AppError{Code: "NOT_FOUND", Message: "Feature " + flag + " is disabled"})
		}
		return c.Next()
	}
}

// optionalViewer authenticates the caller when a token is presented and
// lets anonymous requests through.
func (s *Server) optionalViewer() fiber.Handler {
	required := middleware.WebSocketAuthRequired(s.auth)
	return func(c *fiber.Ctx) error {
		if c.Query("token") == "" && c.Get("Authorization") == "" {
			return c.Next()
		}
		return required(c)
	}
}

func isMultipart(c *fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm)
}
