package gateway

import (
	"context"
	"net/http"

	"github.com/xaenox/sql-assistant/internal/models"
)

// Login exchanges credentials for a token. The caller decides where to keep it.
func (c *Client) Login(ctx context.Context, email, password string) (models.LoginResponse, error) {
	var out models.LoginResponse
	err := c.doJSON(ctx, "login", http.MethodPost, "/auth/login", models.LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.doJSON(ctx, "logout", http.MethodPost, "/auth/logout", nil, nil)
}

// CurrentUser resolves the user behind the stored token.
func (c *Client) CurrentUser(ctx context.Context) (models.User, error) {
	var out models.User
	err := c.doJSON(ctx, "current user", http.MethodGet, "/auth/me", nil, &out)
	return out, err
}
