package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/codefionn/clinicchat/internal/session"
)

// TokenResponse is the answer to login and refresh.
type TokenResponse struct {
	AccessToken    string         `json:"access_token"`
	TokenType      string         `json:"token_type"`
	ExpiresIn      int64          `json:"expires_in"`
	User           map[string]any `json:"user"`
	ActiveClinicID *int64         `json:"active_clinic_id"`
}

// Grant converts r for the session manager.
func (r TokenResponse) Grant() session.Grant {
	return session.Grant{AccessToken: r.AccessToken, ExpiresIn: time.Duration(r.ExpiresIn) * time.Second}
}

type ClinicRef struct {
	ID   int64  `json:"id"`
	Name string `json:"nome"`
}

// User is the profile of an account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"nome"`
	Email    string `json:"email"`
	Active   bool   `json:"ativo"`
	Blocked  bool   `json:"bloqueado"`
	Clinics  []struct {
		Clinic *ClinicRef `json:"clinica"`
	} `json:"clinicas"`
}

// ClinicIDs lists the clinics the user belongs to.
func (u User) ClinicIDs() []int64 {
	var ids []int64
	for _, c := range u.Clinics {
		if c.Clinic != nil {
			ids = append(ids, c.Clinic.ID)
		}
	}
	return ids
}

// Login exchanges username and password for a token.
func (c *Client) Login(ctx context.Context, username, password string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var resp TokenResponse
	if err := c.doForm(ctx, "utilizadores/login", form, &resp); err != nil {
		return TokenResponse{}, err
	}
	return resp, nil
}

// Refresh trades token for a fresh one. It implements session.Refresher.
func (c *Client) Refresh(ctx context.Context, token string) (session.Grant, error) {
	var resp TokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "utilizadores/refresh-token", nil, nil, bearer(token), &resp); err != nil {
		return session.Grant{}, err
	}
	return resp.Grant(), nil
}

// Logout ends the backend session of the current token.
func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "utilizadores/logout", nil, nil, c.currentAuth(), nil)
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var u User
	if err := c.doJSON(ctx, http.MethodGet, "utilizadores/me", nil, nil, c.currentAuth(), &u); err != nil {
		return User{}, err
	}
	return u, nil
}
