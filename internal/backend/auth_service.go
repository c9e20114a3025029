package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"fireframe/internal/cache"
	"fireframe/internal/config"
	"fireframe/internal/models"
	"fireframe/internal/observability"
	"fireframe/internal/provider"
	"fireframe/internal/validation"
)

const (
	tokenIssuer   = "fireframe"
	tokenAudience = "authenticated"
	tokenType     = "bearer"

	maxUsernameCandidates = 20
)

// ErrUnverifiedEmail rejects an OAuth sign-in whose unverified address
// belongs to an existing account.
var ErrUnverifiedEmail = &provider.AuthError{
	Status:  422,
	Code:    "email_exists",
	Message: "An account with this email already exists; sign in with it first",
}

// Mailer delivers account emails.
type Mailer interface {
	SendPasswordRecovery(ctx context.Context, email, link string) error
}

// LogMailer writes recovery links to the log instead of sending mail.
type LogMailer struct {
	Logger *slog.Logger
}

// SendPasswordRecovery logs the link.
func (m LogMailer) SendPasswordRecovery(ctx context.Context, email, link string) error {
	l := m.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "password recovery link", slog.String("email", email), slog.String("link", link))
	return nil
}

type sessionClaims struct {
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

type oauthState struct {
	Provider   string `json:"provider"`
	RedirectTo string `json:"redirect_to"`
}

// AuthService is the server side of authentication: identities, signed
// session tokens, revocation, OAuth and password recovery. It holds no
// per-user session state; AuthClient layers that on top.
type AuthService struct {
	db      *gorm.DB
	secret  []byte
	ttl     time.Duration
	baseURL string
	keys    ephemeralStore
	oauth   map[string]*oauthProvider
	mailer  Mailer
	now     func() time.Time
}

// NewAuthService builds the service. rdb may be nil, in which case
// revocations, OAuth states and recovery tokens are kept in memory.
func NewAuthService(db *gorm.DB, rdb *redis.Client, cfg *config.Config, mailer Mailer) *AuthService {
	now := func() time.Time { return time.Now().UTC() }
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &AuthService{
		db:      db,
		secret:  []byte(cfg.JWTSecret),
		ttl:     cfg.SessionTTL(),
		baseURL: cfg.PublicBaseURL(),
		keys:    newEphemeralStore(rdb, now),
		oauth:   buildOAuthProviders(cfg),
		mailer:  mailer,
		now:     now,
	}
}

// OAuthProviders lists the configured OAuth providers.
func (s *AuthService) OAuthProviders() []string {
	out := make([]string, 0, len(s.oauth))
	for _, name := range oauthProviders {
		if _, ok := s.oauth[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func validationFailed(err error) *provider.AuthError {
	return &provider.AuthError{Status: 422, Code: "validation_failed", Message: err.Error()}
}

// SignUp creates an email identity and returns a session for it.
func (s *AuthService) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*models.Session, error) {
	email = validation.NormalizeEmail(email)
	if err := validation.ValidateEmail(email); err != nil {
		return nil, validationFailed(err)
	}
	if err := validation.ValidatePassword(password); err != nil {
		return nil, &provider.AuthError{Status: 422, Code: "weak_password", Message: err.Error()}
	}
	username, _ := metadata["username"].(string)
	if username != "" {
		if err := validation.ValidateUsername(username); err != nil {
			return nil, validationFailed(err)
		}
	}

	var existing models.Identity
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err == nil {
		return nil, provider.ErrUserAlreadyExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if username != "" {
		taken, err := s.usernameTaken(ctx, username)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, provider.ErrUsernameTaken
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	ident := &models.Identity{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Provider:     "email",
		Username:     username,
		CreatedAt:    now,
		LastSignInAt: &now,
	}
	if err := s.db.WithContext(ctx).Create(ident).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, provider.ErrUserAlreadyExists
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}
	observability.AuthEvents.WithLabelValues("signup").Inc()
	return s.issue(ident, nil)
}

// SignInWithPassword checks credentials and returns a new session.
func (s *AuthService) SignInWithPassword(ctx context.Context, email, password string) (*models.Session, error) {
	email = validation.NormalizeEmail(email)
	var ident models.Identity
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&ident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		observability.AuthEvents.WithLabelValues("signin_failed").Inc()
		return nil, provider.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	if ident.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(password)) != nil {
		observability.AuthEvents.WithLabelValues("signin_failed").Inc()
		return nil, provider.ErrInvalidCredentials
	}
	s.touch(ctx, &ident)
	observability.AuthEvents.WithLabelValues("signin").Inc()
	return s.issue(&ident, nil)
}

func (s *AuthService) touch(ctx context.Context, ident *models.Identity) {
	now := s.now()
	ident.LastSignInAt = &now
	if err := s.db.WithContext(ctx).Model(&models.Identity{}).Where("id = ?", ident.ID).
		Update("last_sign_in_at", now).Error; err != nil {
		slog.WarnContext(ctx, "failed to record sign-in time", slog.String("user_id", ident.ID), slog.String("error", err.Error()))
	}
}

func (s *AuthService) issue(ident *models.Identity, extra map[string]any) (*models.Session, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	meta := map[string]any{}
	if ident.Username != "" {
		meta["username"] = ident.Username
	}
	meta["provider"] = ident.Provider
	for k, v := range extra {
		meta[k] = v
	}

	claims := sessionClaims{
		Email:        ident.Email,
		UserMetadata: meta,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &models.Session{
		AccessToken: signed,
		TokenType:   tokenType,
		ExpiresAt:   expires,
		User:        models.AuthUser{ID: ident.ID, Email: ident.Email, UserMetadata: meta},
	}, nil
}

func (s *AuthService) parse(token string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, provider.ErrInvalidToken
	}
	return claims, nil
}

// GetUser validates an access token and returns its user.
func (s *AuthService) GetUser(ctx context.Context, accessToken string) (*models.AuthUser, error) {
	if accessToken == "" {
		return nil, provider.ErrSessionMissing
	}
	claims, err := s.parse(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.ID != "" {
		revoked, err := s.keys.Exists(ctx, cache.BlacklistKey(claims.ID))
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, provider.ErrInvalidToken
		}
	}
	return &models.AuthUser{ID: claims.Subject, Email: claims.Email, UserMetadata: claims.UserMetadata}, nil
}

// Revoke blacklists accessToken until it would have expired. Invalid or
// expired tokens need no revocation.
func (s *AuthService) Revoke(ctx context.Context, accessToken string) error {
	claims, err := s.parse(accessToken)
	if err != nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	ttl := claims.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.keys.Set(ctx, cache.BlacklistKey(claims.ID), claims.Subject, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	observability.AuthEvents.WithLabelValues("signout").Inc()
	return nil
}

// AuthorizeURL starts an OAuth flow and returns the provider consent URL.
func (s *AuthService) AuthorizeURL(ctx context.Context, providerName, redirectTo string) (string, error) {
	p, ok := s.oauth[providerName]
	if !ok {
		return "", provider.ErrUnknownProvider
	}
	state := uuid.NewString()
	raw, err := json.Marshal(oauthState{Provider: providerName, RedirectTo: redirectTo})
	if err != nil {
		return "", err
	}
	if err := s.keys.Set(ctx, cache.OAuthStateKey(state), string(raw), cache.OAuthStateTTL); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	return p.config.AuthCodeURL(state), nil
}

// Exchange completes an OAuth flow. It returns the session and the
// redirect target recorded when the flow started.
func (s *AuthService) Exchange(ctx context.Context, providerName, code, state string) (*models.Session, string, error) {
	p, ok := s.oauth[providerName]
	if !ok {
		return nil, "", provider.ErrUnknownProvider
	}
	raw, found, err := s.keys.Take(ctx, cache.OAuthStateKey(state))
	if err != nil {
		return nil, "", fmt.Errorf("load oauth state: %w", err)
	}
	var st oauthState
	if !found || json.Unmarshal([]byte(raw), &st) != nil || st.Provider != providerName {
		return nil, "", provider.ErrInvalidOAuthState
	}

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, "", &provider.AuthError{Status: 400, Code: "oauth_exchange_failed", Message: "Unable to exchange external code: " + err.Error()}
	}
	info, err := p.fetchUser(ctx, token)
	if err != nil {
		return nil, "", &provider.AuthError{Status: 502, Code: "oauth_user_failed", Message: err.Error()}
	}
	if info.Email == "" {
		return nil, "", &provider.AuthError{Status: 400, Code: "email_not_found", Message: "Error getting user email from external provider"}
	}

	ident, err := s.findOrCreateOAuthIdentity(ctx, providerName, info)
	if err != nil {
		return nil, "", err
	}
	s.touch(ctx, ident)
	observability.AuthEvents.WithLabelValues("oauth_" + providerName).Inc()

	extra := map[string]any{}
	if info.Name != "" {
		extra["full_name"] = info.Name
	}
	if info.AvatarURL != "" {
		extra["avatar_url"] = info.AvatarURL
	}
	sess, err := s.issue(ident, extra)
	if err != nil {
		return nil, "", err
	}
	return sess, st.RedirectTo, nil
}

func (s *AuthService) findOrCreateOAuthIdentity(ctx context.Context, providerName string, info *oauthUserInfo) (*models.Identity, error) {
	db := s.db.WithContext(ctx)
	var ident models.Identity
	err := db.Where("provider = ? AND provider_subject = ?", providerName, info.Subject).Take(&ident).Error
	if err == nil {
		return &ident, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}

	// Link to an existing account with the same email, but only when the
	// provider has verified the address.
	err = db.Where("email = ?", info.Email).Take(&ident).Error
	switch {
	case err == nil && info.EmailVerified:
		return &ident, nil
	case err == nil:
		return nil, ErrUnverifiedEmail
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("lookup identity: %w", err)
	}

	hint := info.Name
	if hint == "" {
		hint = info.Email
	}
	username, err := s.freeUsername(ctx, validation.UsernameFromHint(hint))
	if err != nil {
		return nil, err
	}
	ident = models.Identity{
		ID:              uuid.NewString(),
		Email:           info.Email,
		Provider:        providerName,
		ProviderSubject: info.Subject,
		Username:        username,
		CreatedAt:       s.now(),
	}
	if err := db.Create(&ident).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, provider.ErrUserAlreadyExists
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}
	observability.AuthEvents.WithLabelValues("signup").Inc()
	return &ident, nil
}

// usernameTaken reports whether a profile row already holds username.
func (s *AuthService) usernameTaken(ctx context.Context, username string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.UserRow{}).Where("username = ?", username).Count(&n).Error; err != nil {
		return false, fmt.Errorf("lookup username: %w", err)
	}
	return n > 0, nil
}

// freeUsername returns base or the first suffixed variant no profile holds.
func (s *AuthService) freeUsername(ctx context.Context, base string) (string, error) {
	for n := 1; n <= maxUsernameCandidates; n++ {
		candidate := validation.SuffixedUsername(base, n)
		taken, err := s.usernameTaken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return validation.SuffixedUsername(base, int(s.now().UnixNano()%1_000_000)), nil
}

// RequestRecovery mails a password reset link. Unknown addresses succeed
// silently and reveal nothing about which accounts exist.
func (s *AuthService) RequestRecovery(ctx context.Context, email, redirectTo string) error {
	email = validation.NormalizeEmail(email)
	if err := validation.ValidateEmail(email); err != nil {
		return validationFailed(err)
	}
	var ident models.Identity
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&ident).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup identity: %w", err)
	}

	token := uuid.NewString()
	if err := s.keys.Set(ctx, cache.RecoveryKey(token), ident.ID, cache.RecoveryTTL); err != nil {
		return fmt.Errorf("store recovery token: %w", err)
	}
	link, err := recoveryLink(redirectTo, token)
	if err != nil {
		return validationFailed(err)
	}
	observability.AuthEvents.WithLabelValues("recovery_requested").Inc()
	return s.mailer.SendPasswordRecovery(ctx, email, link)
}

func recoveryLink(redirectTo, token string) (string, error) {
	u, err := url.Parse(redirectTo)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid redirect URL %q", redirectTo)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("type", "recovery")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ResetPassword consumes a recovery token and sets a new password.
func (s *AuthService) ResetPassword(ctx context.Context, recoveryToken, newPassword string) error {
	if err := validation.ValidatePassword(newPassword); err != nil {
		return &provider.AuthError{Status: 422, Code: "weak_password", Message: err.Error()}
	}
	userID, found, err := s.keys.Take(ctx, cache.RecoveryKey(recoveryToken))
	if err != nil {
		return fmt.Errorf("load recovery token: %w", err)
	}
	if !found {
		return provider.ErrInvalidRecovery
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&models.Identity{}).Where("id = ?", userID).Update("password_hash", string(hash))
	if res.Error != nil {
		return fmt.Errorf("update password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return provider.ErrInvalidRecovery
	}
	observability.AuthEvents.WithLabelValues("password_reset").Inc()
	return nil
}

// DefaultRecoveryRedirect is where reset links point when the caller gives none.
func (s *AuthService) DefaultRecoveryRedirect() string {
	return s.baseURL + "/auth/reset-password"
}
