package auth

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/models"
	"go.uber.org/zap"
)

// API is the part of the backend client that handles accounts.
type API interface {
	Login(ctx context.Context, email, password string) (models.LoginResponse, error)
	Logout(ctx context.Context) error
	CurrentUser(ctx context.Context) (models.User, error)
}

type Service struct {
	api    API
	tokens TokenStore
	logger *zap.Logger
	now    func() time.Time
}

func NewService(api API, tokens TokenStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{api: api, tokens: tokens, logger: logger, now: time.Now}
}

// Login authenticates and stores the issued token.
func (s *Service) Login(ctx context.Context, email, password string) (models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return models.User{}, &internal_errors.ValidationError{Field: "email", Message: "must not be empty"}
	}
	if password == "" {
		return models.User{}, &internal_errors.ValidationError{Field: "password", Message: "must not be empty"}
	}

	resp, err := s.api.Login(ctx, email, password)
	if err != nil {
		s.logger.Error("Login failed", zap.Error(err), zap.String("email", email))
		return models.User{}, err
	}
	if resp.Token == "" {
		return models.User{}, errors.New("login response carried no token")
	}
	if err := s.tokens.Set(resp.Token); err != nil {
		return models.User{}, err
	}
	s.logger.Info("Logged in", zap.String("user_id", resp.User.ID))
	return resp.User, nil
}

// Logout tells the backend and always drops the local credentials, even
// when the backend call fails.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.api.Logout(ctx); err != nil {
		s.logger.Warn("Backend logout failed, clearing credentials anyway", zap.Error(err))
	}
	return s.tokens.Clear()
}

// CheckAuth returns the logged-in user. Missing, expired and rejected tokens
// yield ErrUnauthenticated; the latter two are removed from the store.
func (s *Service) CheckAuth(ctx context.Context) (models.User, error) {
	token, err := s.tokens.Get()
	if err != nil {
		return models.User{}, err
	}
	if token == "" {
		return models.User{}, internal_errors.ErrUnauthenticated
	}
	if IsTokenExpired(token, s.now()) {
		s.logger.Info("Stored token expired")
		return models.User{}, s.drop()
	}

	user, err := s.api.CurrentUser(ctx)
	var srvErr *internal_errors.ServerError
	if stderrors.As(err, &srvErr) && srvErr.Status == http.StatusUnauthorized {
		s.logger.Info("Backend rejected stored token")
		return models.User{}, s.drop()
	}
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Service) drop() error {
	if err := s.tokens.Clear(); err != nil {
		s.logger.Error("Failed to clear token", zap.Error(err))
	}
	return internal_errors.ErrUnauthenticated
}

// IsTokenExpired reports whether token's exp claim lies before now. The
// signature is not checked; the backend does that. Undecodable tokens count
// as expired, tokens without exp never expire.
func IsTokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return true
	}
	if exp == nil {
		return false
	}
	return !now.Before(exp.Time)
}
