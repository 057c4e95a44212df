package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultAudience = "relaystate"

	ScopeStateRead  = "state:read"
	ScopeStateWrite = "state:write"
	ScopeRealtime   = "realtime:join"
	ScopeAdminRead  = "admin:read"

	// AnyWorkspace in the workspace_id claim grants every workspace.
	AnyWorkspace = "*"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// TokenClaims is the JWT payload accepted by the gateway.
type TokenClaims struct {
	WorkspaceID string   `json:"workspace_id"`
	AgentName   string   `json:"agent_name"`
	Scopes      []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c TokenClaims) hasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// IssueToken signs an HS256 token for workspaceID. Used by the CLI to mint
// development tokens.
func IssueToken(secret, workspaceID, agentName string, scopes []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("missing secret")
	}
	if workspaceID == "" || agentName == "" {
		return "", errors.New("workspace and agent name are required")
	}
	if ttl <= 0 {
		return "", errors.New("invalid ttl")
	}
	now := time.Now()
	claims := TokenClaims{
		WorkspaceID: workspaceID,
		AgentName:   agentName,
		Scopes:      scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{DefaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   agentName,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeToken(raw, jwtSecret, audience, workspaceID, requiredScope string, now time.Time) (TokenClaims, *authError) {
	claims, err := parseToken(raw, jwtSecret, audience, now)
	if err != nil {
		return TokenClaims{}, err
	}
	if workspaceID != "" && claims.WorkspaceID != workspaceID && claims.WorkspaceID != AnyWorkspace {
		return TokenClaims{}, forbidden("workspace mismatch")
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return TokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return raw, raw != ""
}

func parseToken(raw, jwtSecret, audience string, now time.Time) (TokenClaims, *authError) {
	if raw == "" {
		return TokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	var claims TokenClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return TokenClaims{}, unauthorized("token expired")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return TokenClaims{}, unauthorized("invalid aud claim")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return TokenClaims{}, unauthorized("jwt signature mismatch")
	case err != nil || !parsed.Valid:
		return TokenClaims{}, unauthorized("invalid token")
	}
	if claims.WorkspaceID == "" {
		return TokenClaims{}, unauthorized("missing workspace_id claim")
	}
	if claims.AgentName == "" {
		claims.AgentName = claims.Subject
	}
	if claims.AgentName == "" {
		return TokenClaims{}, unauthorized("missing agent_name claim")
	}
	if len(claims.Scopes) == 0 {
		return TokenClaims{}, forbidden("no scopes granted")
	}
	return claims, nil
}
