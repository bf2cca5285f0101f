package auth

import (
	"crypto/rand"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenTTL = 12 * time.Hour
	issuer          = "procwatch"
)

// Service checks credentials and issues tokens.
type Service struct {
	users     map[string]User
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// New builds a Service from static configuration.
func New(cfg Config) (*Service, error) {
	s := &Service{
		users:     make(map[string]User, len(cfg.Users)),
		jwtSecret: []byte(cfg.JWTSecret),
		tokenTTL:  cfg.TokenTTL,
		now:       time.Now,
	}
	for _, u := range cfg.Users {
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("duplicate user %q", u.Username)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
		s.users[u.Username] = u
	}
	if len(s.jwtSecret) == 0 {
		s.jwtSecret = make([]byte, 32)
		if _, err := rand.Read(s.jwtSecret); err != nil {
			return nil, fmt.Errorf("generate JWT secret: %w", err)
		}
	}
	if s.tokenTTL == 0 {
		s.tokenTTL = DefaultTokenTTL
	}
	return s, nil
}

// HashPassword returns the bcrypt hash to put in a user's password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// Login checks a username/password pair and issues a bearer token.
func (s *Service) Login(username, password string) (*Result, error) {
	u, err := s.checkPassword(username, password)
	if err != nil {
		return nil, err
	}
	tok, err := s.issue(u)
	if err != nil {
		return nil, err
	}
	return &Result{Username: u.Username, Roles: u.Roles, Token: tok}, nil
}

// Authenticate validates credentials of the given method. For MethodJWT the
// secret is the token and username is ignored.
func (s *Service) Authenticate(method Method, username, secret string) (*Result, error) {
	switch method {
	case MethodBasic:
		u, err := s.checkPassword(username, secret)
		if err != nil {
			return nil, err
		}
		return &Result{Username: u.Username, Roles: u.Roles}, nil
	case MethodJWT:
		return s.verify(secret)
	default:
		return nil, fmt.Errorf("unsupported auth method: %s", method)
	}
}

// HasPermission reports whether any of roles allows action on resource.
func HasPermission(roles []string, resource, action string) bool {
	for _, role := range roles {
		for _, p := range rolePermissions[role] {
			if (p.resource == "*" || p.resource == resource) && (p.action == "*" || p.action == action) {
				return true
			}
		}
	}
	return false
}

func (s *Service) checkPassword(username, password string) (User, error) {
	if username == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	u, ok := s.users[username]
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Service) issue(u User) (*Token, error) {
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	c := &claims{
		Roles: u.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   u.Username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

func (s *Service) verify(tokenString string) (*Result, error) {
	if tokenString == "" {
		return nil, ErrInvalidCredentials
	}
	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	// a user removed from the configuration loses access on restart
	u, ok := s.users[c.Subject]
	if !ok || !slices.Equal(u.Roles, c.Roles) {
		return nil, ErrInvalidCredentials
	}
	return &Result{Username: c.Subject, Roles: c.Roles}, nil
}
