package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type principal struct {
	id     string
	scopes map[string]struct{}
}

func (p principal) hasScope(scope string) bool {
	_, ok := p.scopes[scope]
	return ok
}

// authorizer validates HS256 bearer tokens signed with the shared secret.
// Roles arrive in the token's "roles" claim and expand to scopes.
type authorizer struct {
	secret []byte
}

func newAuthorizer(secret string) *authorizer {
	return &authorizer{secret: []byte(secret)}
}

func (a *authorizer) authorize(r *http.Request, requiredAny ...string) (principal, int, string) {
	token := bearerToken(r)
	if token == "" {
		return principal{}, http.StatusUnauthorized, "missing bearer token"
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return principal{}, http.StatusUnauthorized, "invalid token"
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return principal{}, http.StatusUnauthorized, "invalid token claims"
	}

	p := principal{scopes: map[string]struct{}{}}
	if sub, _ := claims["sub"].(string); sub != "" {
		p.id = sub
	} else {
		p.id = "anonymous"
	}
	roleScopes := defaultRoleScopes()
	if rawRoles, ok := claims["roles"].([]any); ok {
		for _, raw := range rawRoles {
			role, _ := raw.(string)
			role = strings.TrimSpace(role)
			if role == "" {
				continue
			}
			p.scopes["role:"+role] = struct{}{}
			for scope := range roleScopes[role] {
				p.scopes[scope] = struct{}{}
			}
		}
	}

	if len(requiredAny) == 0 {
		return p, http.StatusOK, ""
	}
	for _, scope := range requiredAny {
		if p.hasScope(scope) {
			return p, http.StatusOK, ""
		}
	}
	return p, http.StatusForbidden, fmt.Sprintf("missing required scope (one of: %s)", strings.Join(requiredAny, ","))
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

func defaultRoleScopes() map[string]map[string]struct{} {
	mk := func(vals ...string) map[string]struct{} {
		out := map[string]struct{}{}
		for _, v := range vals {
			out[v] = struct{}{}
		}
		return out
	}
	return map[string]map[string]struct{}{
		"admin":    mk("admin", "operator", "task:submit", "task:read", "task:cancel"),
		"operator": mk("operator", "task:submit", "task:read", "task:cancel"),
		"client":   mk("task:submit", "task:read", "task:cancel"),
	}
}
