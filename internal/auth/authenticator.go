// Package auth turns bearer tokens into participant identities.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telemed-backend/internal/domain"
	apperrors "telemed-backend/pkg/errors"
	"telemed-backend/pkg/jwt"
	"telemed-backend/pkg/logger"
	"telemed-backend/pkg/metrics"
)

// RevocationChecker reports whether a token id has been revoked
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Authenticator validates access tokens and resolves them to identities
type Authenticator struct {
	tokens     *jwt.JWTManager
	revocation RevocationChecker
	metrics    *metrics.Metrics
}

// NewAuthenticator creates an authenticator. revocation and m may be nil.
func NewAuthenticator(tokens *jwt.JWTManager, revocation RevocationChecker, m *metrics.Metrics) *Authenticator {
	return &Authenticator{
		tokens:     tokens,
		revocation: revocation,
		metrics:    m,
	}
}

// Authenticate resolves a raw token to an identity. transport labels the
// failure metric ("http" or "ws").
func (a *Authenticator) Authenticate(ctx context.Context, transport, token string) (domain.Identity, error) {
	identity, err := a.authenticate(ctx, token)
	if err != nil && a.metrics != nil {
		a.metrics.RecordAuthFailure(transport, string(apperrors.GetAppError(err).Code))
	}
	return identity, err
}

func (a *Authenticator) authenticate(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, apperrors.UnauthorizedError("Missing access token")
	}

	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, apperrors.ExpiredTokenError()
		}
		return domain.Identity{}, apperrors.InvalidTokenError(err)
	}

	role := domain.Role(claims.Role)
	if !role.Valid() {
		return domain.Identity{}, apperrors.InvalidTokenError(errors.New("unknown role " + claims.Role))
	}
	if claims.UserID == uuid.Nil {
		return domain.Identity{}, apperrors.InvalidTokenError(errors.New("token has no subject"))
	}

	if a.revocation != nil && claims.ID != "" {
		revoked, err := a.revocation.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			// Fail open: the signature already checked out.
			logger.Warn("Token revocation check failed",
				zap.String("user_id", claims.UserID.String()),
				zap.Error(err))
		} else if revoked {
			return domain.Identity{}, apperrors.TokenRevokedError()
		}
	}

	return domain.Identity{ID: claims.UserID, Role: role}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// HandshakeToken extracts the token from a WebSocket upgrade request.
// Browsers cannot set headers on upgrades, so the token query parameter is
// accepted as a fallback.
func HandshakeToken(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}
