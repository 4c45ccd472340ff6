package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/cloudio/core/logger"
)

// Claims are the claims of a cloudio bearer token. The subject is the identity.
type Claims struct {
	Authorities Authorities `json:"authorities,omitempty"`
	jwt.StandardClaims
}

// JwtMiddlewareBuilder is a helper builder for JwtMiddelware
type JwtMiddlewareBuilder struct {
	// Secret is the HMAC secret tokens are signed with. This is mandatory.
	Secret []byte
	// Issuer is the accepted issuer for the token. Defaults to "cloudio".
	Issuer string
}

func (jmb *JwtMiddlewareBuilder) issuer() string {
	if len(jmb.Issuer) == 0 {
		return "cloudio"
	}
	return jmb.Issuer
}

// NewJwtMiddelware returns a middleware handler to validate
// JWT bearer token.
//
// Tokens are accepted as "Authorization: Bearer" header. Requests without
// token pass unauthenticated, handlers decide whether that is sufficient.
// A token which cannot be validated results in http.StatusUnauthorized.
func NewJwtMiddelware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	if len(jmb.Secret) == 0 {
		panic("Secret is missing")
	}
	issuer := jmb.issuer()
	authCache := NewAuthorizationCache()

	keyLookup := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return jmb.Secret, nil
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}

			tokenString := bearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			rlog := logger.FromContext(r.Context())

			auth := authCache.Read(tokenString)
			if auth == nil {
				var claims Claims
				token, err := jwt.ParseWithClaims(tokenString, &claims, keyLookup)
				if err != nil || !token.Valid || !claims.VerifyIssuer(issuer, true) {
					rlog.WithError(err).Infoln("invalid bearer token")
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				auth = &Authorization{Identity: claims.Subject, Authorities: claims.Authorities}
				authCache.Write(tokenString, auth)
				time.AfterFunc(time.Until(time.Unix(claims.ExpiresAt, 0)), func() {
					authCache.Forget(tokenString)
				})
			}

			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.Identity)
			ctx = auth.ContextWithAuthorization(ctx)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 7 && strings.EqualFold(bearer[:7], "bearer ") {
		return bearer[7:]
	}
	return ""
}

// IssueToken signs a bearer token for the identity.
func (jmb *JwtMiddlewareBuilder) IssueToken(identity string, authorities Authorities, lifetime time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Authorities: authorities,
		StandardClaims: jwt.StandardClaims{
			Subject:   identity,
			Issuer:    jmb.issuer(),
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(lifetime).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jmb.Secret)
}

// PasswordAuthenticator verifies an identity with its password.
type PasswordAuthenticator interface {
	AuthenticateWithPassword(ctx context.Context, id, password string) (AuthenticationResult, error)
}

// ErrNoHTTPAccess is returned when an identity without http-access asks for a token.
var ErrNoHTTPAccess = errors.New("identity has no http access")

// HandleTokenRoute adds a route /token POST to the router. The route
// authenticates HTTP basic credentials and returns a bearer token for
// identities with the http-access authority.
func HandleTokenRoute(router *mux.Router, jmb *JwtMiddlewareBuilder, authenticator PasswordAuthenticator, lifetime time.Duration) {
	logger.Default().Debugln("  handle route: /token POST")
	router.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		id, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="cloudio"`)
			http.Error(w, "credentials missing", http.StatusUnauthorized)
			return
		}
		result, err := authenticator.AuthenticateWithPassword(r.Context(), id, password)
		if err != nil {
			rlog.WithError(err).Errorln("cannot authenticate", id)
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if !result.Authenticated {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		if !result.Authorities.Has(AuthorityHTTPAccess) {
			rlog.WithError(ErrNoHTTPAccess).Infoln("token refused for", id)
			http.Error(w, ErrNoHTTPAccess.Error(), http.StatusForbidden)
			return
		}
		token, err := jmb.IssueToken(id, result.Authorities, lifetime)
		if err != nil {
			rlog.WithError(err).Errorln("cannot sign token")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}).Methods(http.MethodPost)
}
