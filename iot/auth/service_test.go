package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/cloudio/core/access"
	"github.com/relabs-tech/cloudio/core/router"
)

func TestServiceAlwaysReplies(t *testing.T) {
	s := NewService(NewEngine(&Builder{Backend: &fakeBackend{fail: true}}))
	ctx := context.Background()

	tests := []struct {
		headers map[string]string
		token   string
	}{
		{map[string]string{"action": "login", "username": "user", "password": "secret"}, Refused},
		{map[string]string{"action": "login"}, Refused},
		{map[string]string{"action": "check_vhost", "username": "user"}, Deny},
		{map[string]string{"action": "check_resource", "username": "user", "resource": "routing_key", "name": "@update.dev1", "permission": "read"}, Deny},
		{map[string]string{"action": "check_resource", "username": "user", "resource": "routing_key", "name": "@update.dev1", "permission": "everything"}, Deny},
		{map[string]string{"action": "shutdown"}, Refused},
		{nil, Refused},
	}
	for _, tc := range tests {
		reply, err := s.HandleMessage(ctx, &router.Message{Exchange: Exchange, Headers: tc.headers})
		require.NoError(t, err)
		assert.Equal(t, tc.token, string(reply), "%v", tc.headers)
	}
}

func TestServiceRegistration(t *testing.T) {
	reg := NewService(&Client{}).Registration()
	assert.Equal(t, QueueName, reg.Name)
	assert.Equal(t, router.Broadcast("authentication"), reg.Subscription)
}

func TestClientThroughRouter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := router.NewMemoryTransport()
	defer transport.Close()
	require.NoError(t, transport.Declare(ctx, QueueName, router.Broadcast(Exchange)))

	r := router.New(&router.Builder{Transport: transport, MinConsumers: 2, MaxConsumers: 4})
	r.Register(NewService(NewEngine(&Builder{Backend: &fakeBackend{granted: access.PermissionWrite}})).Registration())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Run(ctx)
	}()
	defer wg.Wait()
	defer cancel()

	client := NewClient(transport, 5*time.Second)
	defer client.Close()

	token, err := client.Decide(ctx, Login("user", "secret"))
	require.NoError(t, err)
	assert.Equal(t, "http-access", token)

	token, err = client.Decide(ctx, CheckVHost("user", "/"))
	require.NoError(t, err)
	assert.Equal(t, Allow, token)

	token, err = client.Decide(ctx, CheckResource("user", ResourceRoutingKey, "@set.dev1.nodes.n", "write"))
	require.NoError(t, err)
	assert.Equal(t, Allow, token)

	token, err = client.Decide(ctx, CheckResource("user", ResourceRoutingKey, "@set.dev1.nodes.n", "configure"))
	require.NoError(t, err)
	assert.Equal(t, Deny, token)
}

func TestClientTimeout(t *testing.T) {
	transport := router.NewMemoryTransport()
	defer transport.Close()

	client := NewClient(transport, 50*time.Millisecond)
	token, err := client.Decide(context.Background(), CheckVHost("user", "/"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Deny, token)

	token, err = client.Decide(context.Background(), Login("user"))
	assert.Error(t, err)
	assert.Equal(t, Refused, token)
}
