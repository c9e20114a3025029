package server

import (
	"net/url"

	"fireframe/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ServePublicObject handles GET /storage/v1/object/public/:bucket/*
// @Summary Download a public object
// @Tags storage
// @Param bucket path string true "Bucket"
// @Param path path string true "Object path"
// @Success 200 {file} file
// @Failure 404 {object} models.ErrorResponse
// @Router /storage/v1/object/public/{bucket}/{path} [get]
func (s *Server) ServePublicObject(c *fiber.Ctx) error {
	objectPath, err := url.PathUnescape(c.Params("*"))
	if err != nil || objectPath == "" {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Invalid object path"))
	}
	bucket, err := url.PathUnescape(c.Params("bucket"))
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Invalid bucket"))
	}

	rc, info, err := s.state.Provider().Storage().Download(c.UserContext(), bucket, objectPath)
	if err != nil {
		return s.respondError(c, err)
	}
	if info.ContentType != "" {
		c.Set(fiber.HeaderContentType, info.ContentType)
	}
	c.Set(fiber.HeaderCacheControl, "public, max-age=3600")
	// The response body stream closes rc once written.
	return c.SendStream(rc, int(info.Size))
}
