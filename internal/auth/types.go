package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("insufficient permissions")
)

// Method is how a request proves who it is.
type Method string

const (
	MethodBasic Method = "basic" // username/password
	MethodJWT   Method = "jwt"   // bearer token issued by Login
)

// Role names accepted in configuration.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Resources guarded by the API.
const (
	ResourceSystem   = "system"
	ResourceProcess  = "process"
	ResourceWatchdog = "watchdog"
)

// Actions on a resource.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Config enables authentication on the control API. Users are declared
// statically with bcrypt hashes; see HashPassword.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// JWTSecret signs issued tokens. Empty selects a random secret, so
	// tokens do not survive a restart.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" validate:"gte=0"`
	Users     []User        `mapstructure:"users" validate:"required_if=Enabled true,dive"`
}

type User struct {
	Username     string   `mapstructure:"username" json:"username" validate:"required"`
	PasswordHash string   `mapstructure:"password_hash" json:"-" validate:"required"`
	Roles        []string `mapstructure:"roles" json:"roles" validate:"dive,oneof=admin operator viewer"`
}

// Result describes an authenticated caller.
type Result struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Token    *Token   `json:"token,omitempty"`
}

type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type permission struct {
	resource string
	action   string
}

var rolePermissions = map[string][]permission{
	RoleAdmin: {{"*", "*"}},
	RoleOperator: {
		{"*", ActionRead},
		{ResourceProcess, ActionWrite},
	},
	RoleViewer: {{"*", ActionRead}},
}
