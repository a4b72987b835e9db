package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hackgods/clinic-appointments/internal/booking"
)

const actorKey contextKey = "actor"

// Claims is the token body issued by the clinic's identity provider.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticate resolves the caller into a booking.Actor. With a secret it
// requires an HS256 bearer token carrying sub and role; without one it
// trusts the X-User-ID and X-User-Role headers, which is only meant for
// local development behind a gateway.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				actor booking.Actor
				ok    bool
			)
			if secret != "" {
				actor, ok = actorFromToken(r, secret)
			} else {
				actor, ok = actorFromHeaders(r)
			}
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func actorFromToken(r *http.Request, secret string) (booking.Actor, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
		return booking.Actor{}, false
	}
	tokenString := strings.TrimPrefix(auth, "Bearer ")

	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return booking.Actor{}, false
	}

	role, ok := booking.ParseRole(claims.Role)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return booking.Actor{}, false
	}
	return booking.Actor{ID: claims.Subject, Role: role}, true
}

func actorFromHeaders(r *http.Request) (booking.Actor, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	role, ok := booking.ParseRole(r.Header.Get("X-User-Role"))
	if id == "" || !ok {
		return booking.Actor{}, false
	}
	return booking.Actor{ID: id, Role: role}, true
}

// RequireStaff rejects callers that are not dentists or admins.
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
			return
		}
		if !actor.IsStaff() {
			writeError(w, http.StatusForbidden, "forbidden", "staff only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ActorFromContext(ctx context.Context) (booking.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(booking.Actor)
	return actor, ok
}
