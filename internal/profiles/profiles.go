// Package profiles reads, provisions and updates rows of the users table.
package profiles

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"fireframe/internal/cache"
	"fireframe/internal/media"
	"fireframe/internal/models"
	"fireframe/internal/observability"
	"fireframe/internal/provider"
	"fireframe/internal/validation"
)

const (
	// Table is the users table name.
	Table = "users"
	// AvatarBucket holds profile pictures.
	AvatarBucket = "avatars"

	provisionAttempts = 20
)

// Service is profile access over a provider. The optional JSONCache fronts
// public lookups by username.
type Service struct {
	p         provider.Provider
	cache     *cache.JSONCache
	maxUpload int64
	log       *slog.Logger
}

// NewService builds the service. c may be nil.
func NewService(p provider.Provider, c *cache.JSONCache, maxUpload int64) *Service {
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Service{p: p, cache: c, maxUpload: maxUpload, log: observability.GlobalLogger.Logger}
}

// DefaultUsername picks the username a new profile starts with: the signup
// metadata username, else the email local part, else "user".
func DefaultUsername(u models.AuthUser) string {
	if name := strings.TrimSpace(u.MetadataString("username")); name != "" {
		return name
	}
	if local, _, _ := strings.Cut(u.Email, "@"); local != "" {
		return local
	}
	return "user"
}

// Fetch returns the profile of an authenticated user, provisioning a row on
// first sign-in. When provisioning fails the returned user is built from the
// session alone and nothing is stored.
func (s *Service) Fetch(ctx context.Context, u models.AuthUser) (models.User, error) {
	span, ctx := observability.NewSpan(ctx, "profiles.Fetch")
	defer span.End()

	var row models.UserRow
	err := s.p.Tables().SelectSingle(ctx, Table, provider.Query{}.Where("id", u.ID), &row)
	if err == nil {
		return models.RowToUser(row), nil
	}
	if !provider.IsNoRows(err) {
		span.SetError(err)
		s.log.ErrorContext(ctx, "profile fetch failed", slog.String("user_id", u.ID), slog.String("error", err.Error()))
		return models.User{}, err
	}

	return s.provision(ctx, u)
}

// provision inserts the first profile row for u. A username already held
// by someone else moves on to the next suffixed candidate; an id conflict
// means a concurrent Fetch won and its row is returned. Any other failure
// yields a user built from the session alone.
func (s *Service) provision(ctx context.Context, u models.AuthUser) (models.User, error) {
	base := DefaultUsername(u)
	row := models.UserRow{
		ID:        u.ID,
		Username:  base,
		Email:     u.Email,
		AvatarURL: u.MetadataString("avatar_url"),
	}
	var err error
	for n := 1; n <= provisionAttempts; n++ {
		row.Username = validation.SuffixedUsername(base, n)
		if err = s.p.Tables().Insert(ctx, Table, &row); err == nil || !provider.IsDuplicate(err) {
			break
		}
		var existing models.UserRow
		if s.p.Tables().SelectSingle(ctx, Table, provider.Query{}.Where("id", u.ID), &existing) == nil {
			return models.RowToUser(existing), nil
		}
	}
	if err != nil {
		s.log.WarnContext(ctx, "profile provisioning failed, using session data",
			slog.String("user_id", u.ID), slog.String("error", err.Error()))
		row.Username = base
		return models.RowToUser(row), nil
	}
	s.log.InfoContext(ctx, "provisioned profile", slog.String("user_id", u.ID), slog.String("username", row.Username))
	return models.RowToUser(row), nil
}

// UsernameAvailable reports whether no profile holds username. It reads the
// table directly so a cached profile cannot hide a rename.
func (s *Service) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	var row models.UserRow
	err := s.p.Tables().SelectSingle(ctx, Table, provider.Query{}.Where("username", username), &row)
	switch {
	case err == nil:
		return false, nil
	case provider.IsNoRows(err):
		return true, nil
	default:
		return false, err
	}
}

// GetByID returns the profile with id.
func (s *Service) GetByID(ctx context.Context, id string) (models.User, error) {
	var row models.UserRow
	if err := s.p.Tables().SelectSingle(ctx, Table, provider.Query{}.Where("id", id), &row); err != nil {
		if provider.IsNoRows(err) {
			return models.User{}, models.NewNotFoundError("User", id)
		}
		return models.User{}, err
	}
	return models.RowToUser(row), nil
}

// GetByUsername returns the full profile for username. Callers showing it to
// other users apply PublicView.
func (s *Service) GetByUsername(ctx context.Context, username string) (models.User, error) {
	span, ctx := observability.NewSpan(ctx, "profiles.GetByUsername")
	defer span.End()

	var user models.User
	err := s.cache.CacheAside(ctx, cache.ProfileKey(username), &user, cache.ProfileTTL, func() error {
		var row models.UserRow
		if err := s.p.Tables().SelectSingle(ctx, Table, provider.Query{}.Where("username", username), &row); err != nil {
			return err
		}
		user = models.RowToUser(row)
		return nil
	})
	if provider.IsNoRows(err) {
		return models.User{}, models.NewNotFoundError("User", username)
	}
	if err != nil {
		span.SetError(err)
		s.log.ErrorContext(ctx, "profile lookup failed", slog.String("username", username), slog.String("error", err.Error()))
		return models.User{}, err
	}
	return user, nil
}

// Update patches the profile of userID and returns the stored result.
func (s *Service) Update(ctx context.Context, userID string, upd models.ProfileUpdate) (models.User, error) {
	span, ctx := observability.NewSpan(ctx, "profiles.Update")
	defer span.End()

	if upd.Empty() {
		return models.User{}, models.NewValidationError("No profile changes")
	}
	if upd.Username != nil {
		if err := validation.ValidateUsername(*upd.Username); err != nil {
			return models.User{}, models.NewValidationError(err.Error())
		}
	}
	if upd.Email != nil {
		normalized := validation.NormalizeEmail(*upd.Email)
		if err := validation.ValidateEmail(normalized); err != nil {
			return models.User{}, models.NewValidationError(err.Error())
		}
		upd.Email = &normalized
	}

	before, err := s.GetByID(ctx, userID)
	if err != nil {
		return models.User{}, err
	}
	n, err := s.p.Tables().Update(ctx, Table, upd.Columns(), provider.Eq("id", userID))
	if err != nil {
		span.SetError(err)
		s.log.ErrorContext(ctx, "profile update failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		if provider.IsDuplicate(err) {
			return models.User{}, models.NewConflictError("Username already taken", err)
		}
		return models.User{}, err
	}
	if n == 0 {
		return models.User{}, models.NewNotFoundError("User", userID)
	}
	s.cache.Invalidate(ctx, cache.ProfileKey(before.Username))
	if upd.Username != nil {
		s.cache.Invalidate(ctx, cache.ProfileKey(*upd.Username))
	}
	return upd.Apply(before), nil
}

// UploadAvatar stores an image at avatars/{userID}/avatar.{ext}, replacing
// any previous one, and points the profile at it. The upload and the patch
// are not atomic: if the patch fails the object stays and the error is
// returned.
func (s *Service) UploadAvatar(ctx context.Context, userID, filename string, r io.Reader) (string, error) {
	span, ctx := observability.NewSpan(ctx, "profiles.UploadAvatar")
	defer span.End()

	if userID == "" {
		return "", models.NewUnauthorizedError("No user logged in")
	}
	content, err := io.ReadAll(io.LimitReader(r, s.maxUpload+1))
	if err != nil {
		return "", fmt.Errorf("read avatar: %w", err)
	}
	img, err := media.Prepare(content, "", s.maxUpload)
	if err != nil {
		return "", err
	}
	objectPath := fmt.Sprintf("%s/avatar.%s", userID, media.Extension(filename, img.ContentType))
	if _, err := s.p.Storage().Upload(ctx, AvatarBucket, objectPath, bytes.NewReader(img.Content), int64(len(img.Content)), provider.UploadOptions{
		ContentType:  img.ContentType,
		CacheControl: "3600",
		Upsert:       true,
	}); err != nil {
		span.SetError(err)
		s.log.ErrorContext(ctx, "avatar upload failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		return "", err
	}

	url := s.p.Storage().PublicURL(AvatarBucket, objectPath)
	if _, err := s.Update(ctx, userID, models.ProfileUpdate{AvatarURL: &url}); err != nil {
		return "", err
	}
	return url, nil
}
