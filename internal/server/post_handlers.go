package server

import (
	"fireframe/internal/middleware"
	"fireframe/internal/models"

	"github.com/gofiber/fiber/v2"
)

const defaultFeedLimit = 50

// CreatePostRequest is the JSON body of POST /api/posts. ImageURL may be a
// remote URL or an inline data: URL.
type CreatePostRequest struct {
	Caption  string `json:"caption"`
	ImageURL string `json:"imageUrl"`
}

// UpdatePostRequest is the body of PUT /api/posts/:id. Omitted fields are
// left unchanged.
type UpdatePostRequest struct {
	Caption  *string `json:"caption"`
	ImageURL *string `json:"imageUrl"`
}

// GetPosts handles GET /api/posts
// @Summary Get the feed
// @Description Served from the live feed snapshot, newest first
// @Tags posts
// @Produce json
// @Param limit query int false "Number of posts to return"
// @Param offset query int false "Number of posts to skip"
// @Success 200 {array} models.Post
// @Router /posts [get]
func (s *Server) GetPosts(c *fiber.Ctx) error {
	snap := s.state.PostStore.Snapshot()
	if snap.Error != "" {
		c.Set("X-Feed-Error", snap.Error)
	}
	return c.JSON(window(snap.Posts, parsePagination(c, defaultFeedLimit)))
}

// CreatePost handles POST /api/posts
// @Summary Create a post
// @Description JSON with caption and imageUrl, or multipart with image and caption
// @Tags posts
// @Accept json,mpfd
// @Produce json
// @Security BearerAuth
// @Param request body CreatePostRequest false "Post data"
// @Success 201 {object} models.Post
// @Failure 400 {object} models.ErrorResponse
// @Router /posts [post]
func (s *Server) CreatePost(c *fiber.Ctx) error {
	author, err := s.currentProfile(c)
	if err != nil {
		return s.respondError(c, err)
	}
	ctx := c.UserContext()

	var req CreatePostRequest
	if isMultipart(c) {
		file, err := c.FormFile("image")
		if err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("No file uploaded"))
		}
		src, err := file.Open()
		if err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Unable to read uploaded file"))
		}
		defer func() { _ = src.Close() }()

		req.Caption = c.FormValue("caption")
		req.ImageURL, err = s.state.Posts.UploadImage(ctx, src, file.Filename, author.Username)
		if err != nil {
			return s.respondError(c, err)
		}
	} else if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	id, err := s.state.Posts.AddPost(ctx, models.NewPost{
		Author:   models.PostAuthor{ID: author.ID, Username: author.Username, AvatarURL: author.AvatarURL},
		ImageURL: req.ImageURL,
		Caption:  req.Caption,
	})
	if err != nil {
		return s.respondError(c, err)
	}
	post, err := s.state.Posts.GetPost(ctx, id)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

// UpdatePost handles PUT /api/posts/:id
// @Summary Update a post
// @Description Only the author may edit a post
// @Tags posts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Post ID"
// @Param request body UpdatePostRequest true "Changes"
// @Success 200 {object} models.Post
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /posts/{id} [put]
func (s *Server) UpdatePost(c *fiber.Ctx) error {
	caller, err := authUser(c)
	if err != nil {
		return s.respondError(c, err)
	}
	var req UpdatePostRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest,
			models.NewValidationError("Invalid request body"))
	}

	ctx := c.UserContext()
	post, err := s.state.Posts.GetPost(ctx, c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if !post.OwnedBy(caller.ID) {
		return models.RespondWithError(c, fiber.StatusForbidden,
			models.NewForbiddenError("Only the author can edit this post"))
	}

	if req.Caption != nil {
		post.Caption = *req.Caption
	}
	if req.ImageURL != nil {
		post.ImageURL = *req.ImageURL
	}
	if _, err := s.state.Posts.UpdatePost(ctx, post); err != nil {
		return s.respondError(c, err)
	}
	updated, err := s.state.Posts.GetPost(ctx, post.ID)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(updated)
}

// DeletePost handles DELETE /api/posts/:id
// @Summary Delete a post
// @Description The author or a service-role caller may delete a post
// @Tags posts
// @Security BearerAuth
// @Param id path string true "Post ID"
// @Success 200 {object} object{message=string}
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /posts/{id} [delete]
func (s *Server) DeletePost(c *fiber.Ctx) error {
	ctx := c.UserContext()
	post, err := s.state.Posts.GetPost(ctx, c.Params("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	if !middleware.IsServiceRole(c) {
		caller, err := authUser(c)
		if err != nil {
			return s.respondError(c, err)
		}
		if !post.OwnedBy(caller.ID) {
			return models.RespondWithError(c, fiber.StatusForbidden,
				models.NewForbiddenError("Only the author can delete this post"))
		}
	}

	deleted, err := s.state.Posts.DeletePost(ctx, post.ID)
	if err != nil {
		return s.respondError(c, err)
	}
	if !deleted {
		return models.RespondWithError(c, fiber.StatusNotFound, models.NewNotFoundError("Post", post.ID))
	}
	return c.JSON(fiber.Map{"message": "Post deleted successfully"})
}
