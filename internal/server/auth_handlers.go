package server

import (
	"net/url"
	"strconv"
	"strings"

	"fireframe/internal/middleware"
	"fireframe/internal/models"
	"fireframe/internal/validation"

	"github.com/gofiber/fiber/v2"
)

// SignupRequest is the body of POST /api/auth/signup.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RecoverRequest is the body of POST /api/auth/recover.
type RecoverRequest struct {
	Email      string `json:"email"`
	RedirectTo string `json:"redirect_to"`
}

// ResetPasswordRequest is the body of POST /api/auth/reset-password.
type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// SessionResponse pairs a session with the caller's profile.
type SessionResponse struct {
	Session *models.Session `json:"session"`
	User    models.User     `json:"user"`
}

// Signup handles POST /api/auth/signup
// @Summary User signup
// @Description Register a new account and provision its profile
// @Tags auth
// @Accept json
// @Produce json
// @Param request body SignupRequest true "Signup request"
// @Success 201 {object} SessionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /auth/signup [post]
func (s *Server) Signup(c *fiber.Ctx) error {
	var req SignupRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Username, email, and password are required"))
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError(err.Error()))
	}

	ctx := c.UserContext()
	if _, err := s.state.Profiles.GetByUsername(ctx, req.Username); err == nil {
		return models.RespondWithError(c, fiber.StatusConflict,
			models.NewConflictError("Username already taken", nil))
	} else if statusFor(err) != fiber.StatusNotFound {
		return s.respondError(c, err)
	}

	sess, err := s.auth.SignUp(ctx, req.Email, req.Password, map[string]any{"username": req.Username})
	if err != nil {
		return s.respondError(c, err)
	}
	user, err := s.state.Profiles.Fetch(ctx, sess.User)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(SessionResponse{Session: sess, User: user})
}

// Login handles POST /api/auth/login
// @Summary User login
// @Description Authenticate with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /auth/login [post]
func (s *Server) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	ctx := c.UserContext()
	sess, err := s.auth.SignInWithPassword(ctx, req.Email, req.Password)
	if err != nil {
		return s.respondError(c, err)
	}
	user, err := s.state.Profiles.Fetch(ctx, sess.User)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(SessionResponse{Session: sess, User: user})
}

// Logout handles POST /api/auth/logout
// @Summary Logout user
// @Description Revoke the presented access token
// @Tags auth
// @Security BearerAuth
// @Success 200 {object} object{message=string}
// @Router /auth/logout [post]
func (s *Server) Logout(c *fiber.Ctx) error {
	token, _ := c.Locals(middleware.LocalAccessToken).(string)
	if err := s.auth.Revoke(c.UserContext(), token); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Logged out successfully"})
}

// Recover handles POST /api/auth/recover
// @Summary Request a password reset
// @Tags auth
// @Accept json
// @Param request body RecoverRequest true "Recovery request"
// @Success 200 {object} object{message=string}
// @Router /auth/recover [post]
func (s *Server) Recover(c *fiber.Ctx) error {
	var req RecoverRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}
	redirectTo := req.RedirectTo
	if redirectTo == "" {
		redirectTo = s.auth.DefaultRecoveryRedirect()
	} else if !s.allowedRedirect(redirectTo) {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("redirect_to is not an allowed origin"))
	}
	if err := s.auth.RequestRecovery(c.UserContext(), req.Email, redirectTo); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "If the address is registered, a reset link is on its way"})
}

// ResetPassword handles POST /api/auth/reset-password
// @Summary Complete a password reset
// @Tags auth
// @Accept json
// @Param request body ResetPasswordRequest true "Reset request"
// @Success 200 {object} object{message=string}
// @Failure 400 {object} models.ErrorResponse
// @Router /auth/reset-password [post]
func (s *Server) ResetPassword(c *fiber.Ctx) error {
	var req ResetPasswordRequest
	if err := c.BodyParser(&req); err != nil || req.Token == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Token and password are required"))
	}
	if err := s.auth.ResetPassword(c.UserContext(), req.Token, req.Password); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Password updated"})
}

// OAuthStart handles GET /api/auth/oauth/:provider. It redirects to the
// provider's consent page, or returns the URL when skip_browser_redirect is set.
func (s *Server) OAuthStart(c *fiber.Ctx) error {
	redirectTo := c.Query("redirect_to")
	if redirectTo != "" && !s.allowedRedirect(redirectTo) {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("redirect_to is not an allowed origin"))
	}
	target, err := s.auth.AuthorizeURL(c.UserContext(), c.Params("provider"), redirectTo)
	if err != nil {
		return s.respondError(c, err)
	}
	if c.QueryBool("skip_browser_redirect") {
		return c.JSON(fiber.Map{"url": target})
	}
	return c.Redirect(target, fiber.StatusFound)
}

// OAuthCallback handles GET /api/auth/callback/:provider. When the flow
// was started with a redirect_to the session is handed back in the URL
// fragment; otherwise it is returned as JSON.
func (s *Server) OAuthCallback(c *fiber.Ctx) error {
	if msg := c.Query("error_description", c.Query("error")); msg != "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			&models.AppError{Code: "oauth_denied", Message: msg})
	}
	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("code and state are required"))
	}

	ctx := c.UserContext()
	sess, redirectTo, err := s.auth.Exchange(ctx, c.Params("provider"), code, state)
	if err != nil {
		return s.respondError(c, err)
	}
	user, err := s.state.Profiles.Fetch(ctx, sess.User)
	if err != nil {
		return s.respondError(c, err)
	}
	if redirectTo == "" {
		return c.JSON(SessionResponse{Session: sess, User: user})
	}
	return c.Redirect(sessionRedirect(redirectTo, sess), fiber.StatusFound)
}

func sessionRedirect(redirectTo string, sess *models.Session) string {
	frag := url.Values{}
	frag.Set("access_token", sess.AccessToken)
	frag.Set("token_type", strings.ToLower(sess.TokenType))
	frag.Set("expires_at", strconv.FormatInt(sess.ExpiresAt.Unix(), 10))
	base, _, _ := strings.Cut(redirectTo, "#")
	return base + "#" + frag.Encode()
}

// allowedRedirect reports whether target points at the project itself or
// at one of the CORS origins.
func (s *Server) allowedRedirect(target string) bool {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	if base, err := url.Parse(s.config.PublicBaseURL()); err == nil && strings.EqualFold(base.Scheme+"://"+base.Host, origin) {
		return true
	}
	for _, o := range strings.Split(s.allowedOrigins(), ",") {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}
