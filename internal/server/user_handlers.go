package server

import (
	"fireframe/internal/models"

	"github.com/gofiber/fiber/v2"
)

// GetMyProfile handles GET /api/users/me
// @Summary Get current user profile
// @Description The profile is provisioned on the first call after signup
// @Tags users
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.User
// @Failure 401 {object} models.ErrorResponse
// @Router /users/me [get]
func (s *Server) GetMyProfile(c *fiber.Ctx) error {
	user, err := s.currentProfile(c)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(user)
}

// UpdateMyProfile handles PATCH /api/users/me
// @Summary Update current user profile
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body models.ProfileUpdate true "Fields to change"
// @Success 200 {object} models.User
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /users/me [patch]
func (s *Server) UpdateMyProfile(c *fiber.Ctx) error {
	u, err := authUser(c)
	if err != nil {
		return s.respondError(c, err)
	}
	var upd models.ProfileUpdate
	if err := c.BodyParser(&upd); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	// Make sure the row exists before patching it.
	if _, err := s.state.Profiles.Fetch(c.UserContext(), u); err != nil {
		return s.respondError(c, err)
	}
	user, err := s.state.Profiles.Update(c.UserContext(), u.ID, upd)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(user)
}

// UploadMyAvatar handles POST /api/users/me/avatar
// @Summary Upload a new avatar
// @Tags users
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param avatar formData file true "Avatar image"
// @Success 200 {object} object{avatarUrl=string}
// @Failure 400 {object} models.ErrorResponse
// @Router /users/me/avatar [post]
func (s *Server) UploadMyAvatar(c *fiber.Ctx) error {
	user, err := s.currentProfile(c)
	if err != nil {
		return s.respondError(c, err)
	}
	file, err := c.FormFile("avatar")
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("No file uploaded"))
	}
	src, err := file.Open()
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Unable to read uploaded file"))
	}
	defer func() { _ = src.Close() }()

	avatarURL, err := s.state.Profiles.UploadAvatar(c.UserContext(), user.ID, file.Filename, src)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(fiber.Map{"avatarUrl": avatarURL})
}

// GetUserProfile handles GET /api/users/:username
// @Summary Get a public profile
// @Description Contacts not marked public are removed
// @Tags users
// @Produce json
// @Param username path string true "Username"
// @Success 200 {object} models.User
// @Failure 404 {object} models.ErrorResponse
// @Router /users/{username} [get]
func (s *Server) GetUserProfile(c *fiber.Ctx) error {
	user, err := s.state.Profiles.GetByUsername(c.UserContext(), c.Params("username"))
	if err != nil {
		return s.respondError(c, err)
	}
	public := user.PublicView()
	public.Email = ""
	return c.JSON(public)
}

// GetUserPosts handles GET /api/users/:username/posts
// @Summary Get posts by a user
// @Tags users
// @Produce json
// @Param username path string true "Username"
// @Success 200 {array} models.Post
// @Router /users/{username}/posts [get]
func (s *Server) GetUserPosts(c *fiber.Ctx) error {
	list, err := s.state.Posts.GetPostsByUser(c.UserContext(), c.Params("username"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(window(list, parsePagination(c, maxPaginationLimit)))
}
