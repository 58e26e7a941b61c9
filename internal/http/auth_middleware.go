package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	jwtpkg "github.com/awilliams-2020/theqrcode-sub002/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	UserID string
	Role   string
	KeyID  string
}

const contextKeyAuth authContextKey = "qrcode-auth-info"

// HeaderInternalToken authenticates service-to-service calls.
const HeaderInternalToken = "X-Internal-Token"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAdmin ensures the request carries an admin bearer token.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil && r.allowQueryToken(req) {
			token, err = strings.TrimSpace(req.URL.Query().Get("access_token")), nil
		}
		if err != nil || token == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication required")
			return
		}
		claims, err := jwtpkg.Parse(token, r.adminSecret)
		if err != nil {
			r.logger.Warn("admin token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "authentication failed")
			return
		}
		if !claims.IsAdmin() {
			r.logger.Warn("non-admin token rejected", "user_id", claims.UserID, "path", req.URL.Path)
			writeError(w, http.StatusForbidden, codeForbidden, "admin access required")
			return
		}
		ctx := withAuthInfo(req.Context(), w, authInfo{UserID: claims.UserID, Role: claims.Role})
		next(w, req.WithContext(ctx))
	}
}

// allowQueryToken permits browser stream clients, which cannot set headers,
// to pass the token as a query parameter.
func (r *Router) allowQueryToken(req *http.Request) bool {
	return req.Method == http.MethodGet && strings.HasPrefix(req.URL.Path, "/admin/monitoring/") &&
		(strings.HasSuffix(req.URL.Path, "/stream") || strings.HasSuffix(req.URL.Path, "/events"))
}

// requireInternalToken guards routes called by trusted backends.
func (r *Router) requireInternalToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		expected := r.internalToken
		if expected == "" {
			r.logger.Error("internal token not configured", "path", req.URL.Path)
			writeError(w, http.StatusServiceUnavailable, codeUnavailable, "internal authentication misconfigured")
			return
		}
		token := strings.TrimSpace(req.Header.Get(HeaderInternalToken))
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("internal token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid internal token")
			return
		}
		next(w, req)
	}
}

func withAuthInfo(ctx context.Context, w http.ResponseWriter, info authInfo) context.Context {
	ctx = context.WithValue(ctx, contextKeyAuth, info)
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	return ctx
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
