package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of the caller.
const ResultKey = "auth_result"

// Middleware guards gin routes. A nil *Middleware lets every request through.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware {
	if svc == nil {
		return nil
	}
	return &Middleware{svc: svc}
}

// Require authenticates the request and checks that the caller may perform
// action on resource.
func (m *Middleware) Require(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		res, err := m.authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="procwatch"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if !HasPermission(res.Roles, resource, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// Login handles POST /auth/login.
func (m *Middleware) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	res, err := m.svc.Login(req.Username, req.Password)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return m.svc.Authenticate(MethodJWT, "", strings.TrimSpace(value))
		}
	}
	if user, pass, ok := r.BasicAuth(); ok {
		return m.svc.Authenticate(MethodBasic, user, pass)
	}
	return nil, ErrInvalidCredentials
}
