// Package oauth runs the authorization-code flow against external identity
// providers and normalises their profiles.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	Google   = "google"
	Facebook = "facebook"
)

var ErrNotConfigured = errors.New("oauth provider not configured")

// ProviderConfig holds everything needed to talk to one provider.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
	CallbackURL  string
	// ExtraParams are appended to the authorize URL.
	ExtraParams map[string]string
}

// Enabled reports whether credentials are present.
func (c ProviderConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

func GoogleConfig(clientID, clientSecret, callbackURL string) ProviderConfig {
	return ProviderConfig{
		Name:         Google,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthorizeURL: endpoints.Google.AuthURL,
		TokenURL:     endpoints.Google.TokenURL,
		UserInfoURL:  "https://www.googleapis.com/oauth2/v3/userinfo",
		Scopes:       []string{"profile", "email"},
		CallbackURL:  callbackURL,
		ExtraParams:  map[string]string{"access_type": "offline", "prompt": "consent"},
	}
}

func FacebookConfig(clientID, clientSecret, callbackURL string) ProviderConfig {
	return ProviderConfig{
		Name:         Facebook,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthorizeURL: endpoints.Facebook.AuthURL,
		TokenURL:     endpoints.Facebook.TokenURL,
		UserInfoURL:  "https://graph.facebook.com/me?fields=id,name,email,picture.type(large)",
		Scopes:       []string{"email"},
		CallbackURL:  callbackURL,
	}
}

func oauth2Config(cfg ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizeURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: cfg.CallbackURL,
		Scopes:      cfg.Scopes,
	}
}

// AuthURL builds the provider authorize URL carrying state.
func AuthURL(cfg ProviderConfig, state string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(cfg.ExtraParams))
	for k, v := range cfg.ExtraParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return oauth2Config(cfg).AuthCodeURL(state, opts...)
}

// Profile is the provider account as the provider reports it.
type Profile struct {
	ID          string
	Emails      []string
	DisplayName string
	Photos      []string
}

// Identity is a Profile reduced to the fields a user record needs.
type Identity struct {
	ProviderID string
	Email      string
	Name       string
	Image      string
}

// Identity picks the first usable email and photo. Emails are lower-cased.
func (p Profile) Identity() Identity {
	id := Identity{ProviderID: p.ID, Name: strings.TrimSpace(p.DisplayName)}
	for _, e := range p.Emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			id.Email = e
			break
		}
	}
	for _, ph := range p.Photos {
		if ph != "" {
			id.Image = ph
			break
		}
	}
	if id.Name == "" {
		id.Name = id.Email
	}
	return id
}

// Client exchanges authorization codes for one provider.
type Client struct {
	cfg        ProviderConfig
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewClient returns a client for cfg. httpClient may be nil.
func NewClient(cfg ProviderConfig, httpClient *http.Client) *Client {
	return &Client{cfg: cfg, oauth: oauth2Config(cfg), httpClient: httpClient}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled() }

func (c *Client) AuthURL(state string) string { return AuthURL(c.cfg, state) }

// Exchange trades code for a token and fetches the account profile.
func (c *Client) Exchange(ctx context.Context, code string) (Profile, error) {
	if !c.Enabled() {
		return Profile{}, ErrNotConfigured
	}
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("%s token exchange: %w", c.cfg.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserInfoURL, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("%s profile request: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("%s profile request: unexpected status %d", c.cfg.Name, resp.StatusCode)
	}

	p, err := decodeProfile(c.cfg.Name, resp.Body)
	if err != nil {
		return Profile{}, fmt.Errorf("%s profile decode: %w", c.cfg.Name, err)
	}
	if p.ID == "" {
		return Profile{}, fmt.Errorf("%s profile: missing account id", c.cfg.Name)
	}
	return p, nil
}

func decodeProfile(provider string, r io.Reader) (Profile, error) {
	if provider == Facebook {
		var payload struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Email   string `json:"email"`
			Picture struct {
				Data struct {
					URL string `json:"url"`
				} `json:"data"`
			} `json:"picture"`
		}
		if err := json.NewDecoder(r).Decode(&payload); err != nil {
			return Profile{}, err
		}
		return Profile{
			ID:          payload.ID,
			Emails:      nonEmpty(payload.Email),
			DisplayName: payload.Name,
			Photos:      nonEmpty(payload.Picture.Data.URL),
		}, nil
	}

	// OpenID Connect userinfo (Google)
	var payload struct {
		Sub     string `json:"sub"`
		Name    string `json:"name"`
		Email   string `json:"email"`
		Picture string `json:"picture"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return Profile{}, err
	}
	return Profile{
		ID:          payload.Sub,
		Emails:      nonEmpty(payload.Email),
		DisplayName: payload.Name,
		Photos:      nonEmpty(payload.Picture),
	}, nil
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
