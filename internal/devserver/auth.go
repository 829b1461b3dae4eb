package devserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xaenox/sql-assistant/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type account struct {
	user models.User
	hash []byte
}

// Users is an in-memory account table with bcrypt password hashes.
type Users struct {
	mu      sync.RWMutex
	byEmail map[string]account
	byID    map[string]models.User
}

func NewUsers() *Users {
	return &Users{byEmail: make(map[string]account), byID: make(map[string]models.User)}
}

func (u *Users) Add(user models.User, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, "cannot hash password")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.byEmail[strings.ToLower(user.Email)] = account{user: user, hash: hash}
	u.byID[user.ID] = user
	return nil
}

// Authenticate returns the user if password matches.
func (u *Users) Authenticate(email, password string) (models.User, bool) {
	u.mu.RLock()
	acc, ok := u.byEmail[strings.ToLower(strings.TrimSpace(email))]
	u.mu.RUnlock()
	if !ok {
		return models.User{}, false
	}
	if bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
		return models.User{}, false
	}
	return acc.user, true
}

func (u *Users) Get(id string) (models.User, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := u.byID[id]
	return user, ok
}

// DefaultUsers holds the demo account.
func DefaultUsers() *Users {
	u := NewUsers()
	if err := u.Add(models.User{ID: "1", Name: "Joshua", Email: "chatess@gmail.com"}, "password"); err != nil {
		panic(err)
	}
	return u
}

type tokenIssuer struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time
}

func newTokenIssuer(secret []byte, ttl time.Duration) *tokenIssuer {
	return &tokenIssuer{secret: secret, ttl: ttl, revoked: make(map[string]time.Time)}
}

func (t *tokenIssuer) issue(userID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *tokenIssuer) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, gone := t.revoked[claims.ID]; gone {
		return nil, errors.New("token revoked")
	}
	return claims, nil
}

func (t *tokenIssuer) revoke(claims *jwt.RegisteredClaims) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, exp := range t.revoked {
		if exp.Before(now) {
			delete(t.revoked, id)
		}
	}
	t.revoked[claims.ID] = claims.ExpiresAt.Time
}

type claimsKey struct{}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.parse(token)
		if err != nil {
			s.logger.Debug("Rejected token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := s.decodeValidate(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, ok := s.users.Authenticate(req.Email, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.tokens.issue(user.ID, time.Now())
	if err != nil {
		s.logger.Error("Failed to sign token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cannot issue token")
		return
	}
	s.logger.Info("User logged in", zap.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, models.LoginResponse{User: user, Token: token})
}

func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(claimsKey{}).(*jwt.RegisteredClaims)
	s.tokens.revoke(claims)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	claims := r.Context().Value(claimsKey{}).(*jwt.RegisteredClaims)
	user, ok := s.users.Get(claims.Subject)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}
