package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/facebook"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"fireframe/internal/config"
)

// Supported OAuth providers.
var oauthProviders = []string{"google", "github", "azure", "discord", "facebook"}

var discordEndpoint = oauth2.Endpoint{
	AuthURL:   "https://discord.com/oauth2/authorize",
	TokenURL:  "https://discord.com/api/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// oauthUserInfo is what a provider tells us about the signed-in account.
// EmailVerified is set only when the provider vouches for the address.
type oauthUserInfo struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
}

type oauthProvider struct {
	name        string
	config      *oauth2.Config
	userInfoURL string
	parse       func(body []byte) (*oauthUserInfo, error)
	// emailsURL lists the account's addresses when the profile endpoint
	// does not report a verified one.
	emailsURL string
}

// buildOAuthProviders configures every provider that has credentials.
// Callbacks land on {projectURL}/api/auth/callback/{provider}.
func buildOAuthProviders(cfg *config.Config) map[string]*oauthProvider {
	out := make(map[string]*oauthProvider)
	for _, name := range oauthProviders {
		id, secret := cfg.OAuthCredentials(name)
		if id == "" || secret == "" {
			continue
		}
		p := &oauthProvider{
			name: name,
			config: &oauth2.Config{
				ClientID:     id,
				ClientSecret: secret,
				RedirectURL:  cfg.PublicBaseURL() + "/api/auth/callback/" + name,
			},
		}
		switch name {
		case "google":
			p.config.Endpoint = google.Endpoint
			p.config.Scopes = []string{"openid", "email", "profile"}
			p.userInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
			p.parse = parseOIDCUser
		case "github":
			p.config.Endpoint = github.Endpoint
			p.config.Scopes = []string{"read:user", "user:email"}
			p.userInfoURL = "https://api.github.com/user"
			p.emailsURL = "https://api.github.com/user/emails"
			p.parse = parseGitHubUser
		case "azure":
			tenant := cfg.OAuthAzureTenant
			if tenant == "" {
				tenant = "common"
			}
			p.config.Endpoint = microsoft.AzureADEndpoint(tenant)
			p.config.Scopes = []string{"openid", "email", "profile"}
			p.userInfoURL = "https://graph.microsoft.com/oidc/userinfo"
			p.parse = parseOIDCUser
		case "discord":
			p.config.Endpoint = discordEndpoint
			p.config.Scopes = []string{"identify", "email"}
			p.userInfoURL = "https://discord.com/api/users/@me"
			p.parse = parseDiscordUser
		case "facebook":
			p.config.Endpoint = facebook.Endpoint
			p.config.Scopes = []string{"email", "public_profile"}
			p.userInfoURL = "https://graph.facebook.com/me?fields=id,name,email,picture"
			p.parse = parseFacebookUser
		}
		out[name] = p
	}
	return out
}

func (p *oauthProvider) fetchUser(ctx context.Context, token *oauth2.Token) (*oauthUserInfo, error) {
	client := p.config.Client(ctx, token)
	body, err := p.get(ctx, client, p.userInfoURL)
	if err != nil {
		return nil, err
	}
	info, err := p.parse(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s user: %w", p.name, err)
	}
	if info.Subject == "" {
		return nil, fmt.Errorf("%s user has no id", p.name)
	}
	if p.emailsURL != "" {
		// Without the list the profile address stays unverified.
		if body, err := p.get(ctx, client, p.emailsURL); err != nil {
			slog.WarnContext(ctx, "oauth email lookup failed", slog.String("provider", p.name), slog.String("error", err.Error()))
		} else if email, ok := primaryVerifiedEmail(body); ok {
			info.Email, info.EmailVerified = email, true
		}
	}
	info.Email = strings.ToLower(strings.TrimSpace(info.Email))
	if info.Email == "" {
		info.EmailVerified = false
	}
	return info, nil
}

func (p *oauthProvider) get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s user: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s user: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s user API returned status %d", p.name, resp.StatusCode)
	}
	return body, nil
}

// claimBool accepts a JSON boolean or its string form; some OIDC providers
// send "email_verified":"true".
type claimBool bool

func (b *claimBool) UnmarshalJSON(raw []byte) error {
	switch strings.Trim(string(raw), `"`) {
	case "true":
		*b = true
	default:
		*b = false
	}
	return nil
}

func parseOIDCUser(body []byte) (*oauthUserInfo, error) {
	var data struct {
		Sub           string    `json:"sub"`
		Email         string    `json:"email"`
		EmailVerified claimBool `json:"email_verified"`
		Name          string    `json:"name"`
		Picture       string    `json:"picture"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	return &oauthUserInfo{
		Subject:       data.Sub,
		Email:         data.Email,
		EmailVerified: bool(data.EmailVerified),
		Name:          data.Name,
		AvatarURL:     data.Picture,
	}, nil
}

func parseGitHubUser(body []byte) (*oauthUserInfo, error) {
	var data struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Email     string `json:"email"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	info := &oauthUserInfo{Email: data.Email, Name: data.Login, AvatarURL: data.AvatarURL}
	if data.ID != 0 {
		info.Subject = strconv.FormatInt(data.ID, 10)
	}
	return info, nil
}

// primaryVerifiedEmail picks the primary address from a GitHub
// /user/emails listing, provided GitHub has verified it.
func primaryVerifiedEmail(body []byte) (string, bool) {
	var list []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return "", false
	}
	for _, e := range list {
		if e.Primary && e.Verified && e.Email != "" {
			return e.Email, true
		}
	}
	return "", false
}

func parseDiscordUser(body []byte) (*oauthUserInfo, error) {
	var data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Verified bool   `json:"verified"`
		Avatar   string `json:"avatar"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	info := &oauthUserInfo{Subject: data.ID, Email: data.Email, EmailVerified: data.Verified, Name: data.Username}
	if data.Avatar != "" {
		info.AvatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", data.ID, data.Avatar)
	}
	return info, nil
}

func parseFacebookUser(body []byte) (*oauthUserInfo, error) {
	var data struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Email   string `json:"email"`
		Picture struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	// The Graph API only returns a confirmed address.
	return &oauthUserInfo{Subject: data.ID, Email: data.Email, EmailVerified: data.Email != "", Name: data.Name, AvatarURL: data.Picture.Data.URL}, nil
}
