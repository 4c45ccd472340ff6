package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/cloudio/core/access"
)

var errBackendDown = errors.New("backend down")

// fakeBackend grants a fixed permission on every endpoint
type fakeBackend struct {
	granted access.Permission
	fail    bool
	calls   int
}

func (f *fakeBackend) AuthenticateWithPassword(ctx context.Context, id, password string) (access.AuthenticationResult, error) {
	f.calls++
	if f.fail {
		return access.AuthenticationResult{}, errBackendDown
	}
	if password != "secret" {
		return access.AuthenticationResult{}, nil
	}
	return access.Granted(access.AuthorityHTTPAccess), nil
}

func (f *fakeBackend) AuthenticateWithoutPassword(ctx context.Context, id string) (access.AuthenticationResult, error) {
	f.calls++
	if f.fail {
		return access.AuthenticationResult{}, errBackendDown
	}
	return access.Granted(), nil
}

func (f *fakeBackend) AuthorizeEndpointAccess(ctx context.Context, id, endpointID string) (access.Permission, error) {
	f.calls++
	if f.fail {
		return access.PermissionDeny, errBackendDown
	}
	return f.granted, nil
}

// restrictiveBackend also decides about vhosts, exchanges and queues
type restrictiveBackend struct {
	fakeBackend
}

func (r *restrictiveBackend) AuthorizeVHostAccess(ctx context.Context, id, vhost string) (bool, error) {
	return vhost == "/devices", nil
}

func (r *restrictiveBackend) AuthorizeExchangeAccess(ctx context.Context, id, exchange string) (access.Permission, error) {
	return access.PermissionRead, nil
}

func (r *restrictiveBackend) AuthorizeQueueAccess(ctx context.Context, id, queue string) (access.Permission, error) {
	return access.PermissionDeny, nil
}

var allPermissions = []access.Permission{
	access.PermissionDeny, access.PermissionRead, access.PermissionWrite,
	access.PermissionConfigure, access.PermissionOwn,
}

func TestRoutingKeyPermissionGrid(t *testing.T) {
	ctx := context.Background()
	for _, granted := range allPermissions {
		engine := NewEngine(&Builder{Backend: &fakeBackend{granted: granted}})
		for _, requested := range allPermissions {
			token, err := engine.Decide(ctx, CheckResource("user", ResourceRoutingKey, "@update.dev1.nodes.n", strings.ToLower(requested.String())))
			require.NoError(t, err)
			expected := Deny
			if granted >= requested {
				expected = Allow
			}
			assert.Equal(t, expected, token, "granted %s requested %s", granted, requested)
		}
	}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	engine := NewEngine(&Builder{Backend: backend})

	token, err := engine.Decide(ctx, Login("user", "secret"))
	require.NoError(t, err)
	assert.Equal(t, "http-access", token)

	token, err = engine.Decide(ctx, Login("user", "wrong"))
	require.NoError(t, err)
	assert.Equal(t, Refused, token)

	token, err = engine.Decide(ctx, Login("user", ""))
	require.NoError(t, err)
	assert.Equal(t, Refused, token, "an empty password is a password")

	token, err = engine.Decide(ctx, Login("device"))
	require.NoError(t, err)
	assert.Equal(t, "", token, "certificate login without authorities")

	calls := backend.calls
	token, err = engine.Decide(ctx, Login(""))
	assert.ErrorIs(t, err, ErrMalformedRequest)
	assert.Equal(t, Refused, token)
	assert.Equal(t, calls, backend.calls)

	backend.fail = true
	token, err = engine.Decide(ctx, Login("user", "secret"))
	assert.ErrorIs(t, err, errBackendDown)
	assert.Equal(t, Refused, token)
}

func TestCheckVHost(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(&Builder{Backend: &fakeBackend{}})

	token, err := engine.Decide(ctx, CheckVHost("user", "/"))
	require.NoError(t, err)
	assert.Equal(t, Allow, token)

	token, err = engine.Decide(ctx, CheckVHost("user", "/other"))
	require.NoError(t, err)
	assert.Equal(t, Deny, token)

	token, err = engine.Decide(ctx, CheckVHost("user", ""))
	assert.ErrorIs(t, err, ErrMalformedRequest)
	assert.Equal(t, Deny, token)

	token, err = engine.Decide(ctx, CheckVHost("", "/"))
	assert.ErrorIs(t, err, ErrMalformedRequest)
	assert.Equal(t, Deny, token)

	engine = NewEngine(&Builder{Backend: &fakeBackend{}, Policy: &Policy{AllowedVHosts: []string{"/", "/devices"}}})
	token, _ = engine.Decide(ctx, CheckVHost("user", "/devices"))
	assert.Equal(t, Allow, token)
}

func TestCheckExchangeAndQueue(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(&Builder{Backend: &fakeBackend{}})

	tests := []struct {
		resource, name, permission, token string
	}{
		{ResourceExchange, "amq.topic", "write", Allow},
		{ResourceExchange, "amq.topic", "configure", Deny},
		{ResourceExchange, "amq.direct", "read", Deny},
		{ResourceExchange, "amq.direct", "deny", Allow},
		{ResourceQueue, "mqtt-subscription-dev1", "configure", Allow},
		{ResourceQueue, "mqtt-subscription-dev1", "own", Deny},
	}
	for _, tc := range tests {
		token, err := engine.Decide(ctx, CheckResource("user", tc.resource, tc.name, tc.permission))
		require.NoError(t, err)
		assert.Equal(t, tc.token, token, "%s %s %s", tc.resource, tc.name, tc.permission)
	}
}

func TestBackendTakesPrecedenceOverPolicy(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(&Builder{Backend: &restrictiveBackend{}})

	token, _ := engine.Decide(ctx, CheckVHost("user", "/"))
	assert.Equal(t, Deny, token)
	token, _ = engine.Decide(ctx, CheckVHost("user", "/devices"))
	assert.Equal(t, Allow, token)
	token, _ = engine.Decide(ctx, CheckResource("user", ResourceExchange, "amq.topic", "write"))
	assert.Equal(t, Deny, token)
	token, _ = engine.Decide(ctx, CheckResource("user", ResourceExchange, "amq.direct", "read"))
	assert.Equal(t, Allow, token)
	token, _ = engine.Decide(ctx, CheckResource("user", ResourceQueue, "q", "read"))
	assert.Equal(t, Deny, token)
}

func TestCheckResourceFailures(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{granted: access.PermissionOwn}
	engine := NewEngine(&Builder{Backend: backend})

	tests := []struct {
		request Request
		err     error
	}{
		{CheckResource("user", ResourceRoutingKey, "@update.dev1", "admin"), ErrInvalidPermission},
		{CheckResource("user", ResourceRoutingKey, "@update.dev1", ""), ErrMalformedRequest},
		{CheckResource("", ResourceRoutingKey, "@update.dev1", "read"), ErrMalformedRequest},
		{CheckResource("user", "", "@update.dev1", "read"), ErrMalformedRequest},
		{CheckResource("user", ResourceRoutingKey, "", "read"), ErrMalformedRequest},
		{CheckResource("user", "topic", "@update.dev1", "read"), ErrMalformedRequest},
		{CheckResource("user", ResourceRoutingKey, "dev1", "read"), ErrInvalidRoutingKey},
	}
	for _, tc := range tests {
		token, err := engine.Decide(ctx, tc.request)
		assert.ErrorIs(t, err, tc.err, "%+v", tc.request)
		assert.Equal(t, Deny, token, "%+v", tc.request)
	}
	assert.Zero(t, backend.calls, "invalid requests never reach the backend")

	backend.fail = true
	token, err := engine.Decide(ctx, CheckResource("user", ResourceRoutingKey, "@update.dev1", "read"))
	assert.ErrorIs(t, err, errBackendDown)
	assert.Equal(t, Deny, token)
}

func TestUnknownAction(t *testing.T) {
	engine := NewEngine(&Builder{Backend: &fakeBackend{}})
	for _, action := range []string{"", "logout", "LOGIN"} {
		token, err := engine.Decide(context.Background(), Request{Action: action, Username: "user"})
		assert.ErrorIs(t, err, ErrUnknownAction)
		assert.Equal(t, Refused, token)
	}
}

func TestRequestHeaders(t *testing.T) {
	r := Login("user", "")
	headers := r.Headers()
	assert.Equal(t, map[string]string{"action": "login", "username": "user", "password": ""}, headers)
	assert.Equal(t, r, RequestFromHeaders(headers))

	r = CheckResource("user", ResourceRoutingKey, "@update.dev1", "write")
	assert.Equal(t, r, RequestFromHeaders(r.Headers()))

	r = Login("device")
	assert.False(t, RequestFromHeaders(r.Headers()).HasPassword)
}
