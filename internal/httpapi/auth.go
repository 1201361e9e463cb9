package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"qms/triage-service/internal/models"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
)

const actorHeader = "X-Actor-ID"

var errInvalidToken = errors.New("invalid token")

type actorContextKey struct{}

type actorClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// ActorMiddleware resolves who is acting. With a secret the actor comes from
// the userId (or sub) claim of an HS256 bearer token; without one it is read
// from the X-Actor-ID header.
func ActorMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := middleware.GetReqID(r.Context())

			var actorID string
			if secret != "" {
				token := bearerToken(r.Header.Get("Authorization"))
				if token == "" {
					writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing bearer token")
					return
				}
				id, err := actorFromToken(token, secret)
				if err != nil {
					writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "invalid token")
					return
				}
				actorID = id
			} else {
				actorID = strings.TrimSpace(r.Header.Get(actorHeader))
			}
			if actorID == "" {
				writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing actor")
				return
			}

			actor := models.Actor{ID: actorID, Source: clientIP(r)}
			ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromToken(raw, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &actorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*actorClaims)
	if !ok || !token.Valid {
		return "", errInvalidToken
	}
	if id := strings.TrimSpace(claims.UserID); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(claims.Subject); id != "" {
		return id, nil
	}
	return "", errInvalidToken
}

func actorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(models.Actor)
	if !ok || actor.ID == "" {
		return models.Actor{}, false
	}
	return actor, true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
