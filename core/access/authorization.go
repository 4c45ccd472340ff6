/*Package access provides utilities for access control

It defines the ordered Permission scale, the Authority roles granted on
login and the Authorization context object which the HTTP middleware
attaches to authenticated requests.
*/
package access

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/cloudio/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// Authority is a role granted to an identity on successful authentication.
type Authority string

// Known authorities
const (
	AuthorityBrokerAdministration Authority = "broker-administration"
	AuthorityHTTPAccess           Authority = "http-access"
)

// Authorities is an ordered set of authorities.
type Authorities []Authority

// Has returns true if the set contains the authority.
func (a Authorities) Has(authority Authority) bool {
	for _, has := range a {
		if has == authority {
			return true
		}
	}
	return false
}

// Add returns the set with the authority appended, unless it is present already.
func (a Authorities) Add(authority Authority) Authorities {
	if a.Has(authority) {
		return a
	}
	return append(a, authority)
}

// String returns the comma-joined authority names, the way the broker
// expects them as login response.
func (a Authorities) String() string {
	names := make([]string, len(a))
	for i, authority := range a {
		names[i] = string(authority)
	}
	return strings.Join(names, ",")
}

// AuthenticationResult is the outcome of an authentication attempt. The zero
// value is a failed authentication.
type AuthenticationResult struct {
	Authenticated bool        `json:"authenticated"`
	Authorities   Authorities `json:"authorities,omitempty"`
}

// Granted returns a successful authentication result with the given authorities.
func Granted(authorities ...Authority) AuthenticationResult {
	return AuthenticationResult{Authenticated: true, Authorities: Authorities(authorities)}
}

/*Authorization is a context object which stores the authenticated identity
of an HTTP request together with its authorities.

Authorizations are added to a request context with

  ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

  auth := AuthorizationFromContext(ctx)
*/
type Authorization struct {
	Identity    string      `json:"identity"`
	Authorities Authorities `json:"authorities"`
}

// HasAuthority returns true if the authorization carries the authority. It is
// safe to call on a nil authorization.
func (a *Authorization) HasAuthority(authority Authority) bool {
	if a == nil {
		return false
	}
	return a.Authorities.Has(authority)
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return a
}

// AuthorizationCache is an in-memory cache for authorizations. The jwt
// middleware uses it to avoid validating the same token over and over.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from in-process cache.
// This function is go-routine safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.cache[token]
}

// Write stores an authorization in the in-memory cache.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization) {
	a.mutex.Lock()
	a.cache[token] = auth
	a.mutex.Unlock()
}

// Forget removes a token from the cache.
func (a *AuthorizationCache) Forget(token string) {
	a.mutex.Lock()
	delete(a.cache, token)
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
