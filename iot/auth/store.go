package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/cloudio/core/access"
	"github.com/relabs-tech/cloudio/core/logger"
	"github.com/relabs-tech/cloudio/core/registry"
	"github.com/relabs-tech/cloudio/iot/twin"
)

// ErrUserNotFound is returned when a user is not known
var ErrUserNotFound = errors.New("user not found")

// User is an identity with password. Users without password hash log in
// with their client certificate.
type User struct {
	Name         string                       `json:"name"`
	PasswordHash []byte                       `json:"password_hash,omitempty"`
	Authorities  access.Authorities           `json:"authorities"`
	Permissions  map[string]access.Permission `json:"permissions"`
}

// UserStore persists users
type UserStore interface {
	GetUser(ctx context.Context, name string) (*User, error)
	SaveUser(ctx context.Context, user *User) error
	CountUsers(ctx context.Context) (int, error)
}

func (u *User) clone() *User {
	c := *u
	c.PasswordHash = append([]byte(nil), u.PasswordHash...)
	c.Authorities = append(access.Authorities(nil), u.Authorities...)
	c.Permissions = make(map[string]access.Permission, len(u.Permissions))
	for endpoint, permission := range u.Permissions {
		c.Permissions[endpoint] = permission
	}
	return &c
}

// MemoryUserStore is an in-process UserStore
type MemoryUserStore struct {
	mutex sync.RWMutex
	users map[string]*User
}

// NewMemoryUserStore returns an empty user store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: map[string]*User{}}
}

// GetUser implements UserStore
func (s *MemoryUserStore) GetUser(ctx context.Context, name string) (*User, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	user, ok := s.users[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	return user.clone(), nil
}

// SaveUser implements UserStore
func (s *MemoryUserStore) SaveUser(ctx context.Context, user *User) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.users[user.Name] = user.clone()
	return nil
}

// CountUsers implements UserStore
func (s *MemoryUserStore) CountUsers(ctx context.Context) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.users), nil
}

// RegistryUserStore is a UserStore in the postgres registry. Users are
// kept under the prefix "user".
type RegistryUserStore struct {
	accessor registry.Accessor
}

// NewRegistryUserStore returns a user store on the registry
func NewRegistryUserStore(r registry.Registry) *RegistryUserStore {
	return &RegistryUserStore{accessor: r.Accessor("user")}
}

// GetUser implements UserStore
func (s *RegistryUserStore) GetUser(ctx context.Context, name string) (*User, error) {
	user := &User{}
	timestamp, err := s.accessor.Read(ctx, name, user)
	if err != nil {
		return nil, err
	}
	if timestamp.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	return user, nil
}

// SaveUser implements UserStore
func (s *RegistryUserStore) SaveUser(ctx context.Context, user *User) error {
	return s.accessor.Write(ctx, user.Name, user)
}

// CountUsers implements UserStore
func (s *RegistryUserStore) CountUsers(ctx context.Context) (int, error) {
	return s.accessor.Count(ctx)
}

// EndpointLookup finds endpoint twins. It is implemented by twin.Store.
type EndpointLookup interface {
	Get(ctx context.Context, id string) (*twin.EndpointEntity, error)
}

// StoreBackend is a Backend on a UserStore
type StoreBackend struct {
	users     UserStore
	endpoints EndpointLookup
	cost      int
}

// StoreBackendBuilder is a builder helper for the StoreBackend
type StoreBackendBuilder struct {
	// Users holds the identities with password. This is mandatory.
	Users UserStore
	// Endpoints is optional. When set, blocked endpoints are refused at
	// certificate login.
	Endpoints EndpointLookup
	// BcryptCost is the cost of new password hashes. Defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// NewStoreBackend creates the backend and provisions the administrator if
// the store has no users yet.
func NewStoreBackend(ctx context.Context, b *StoreBackendBuilder) (*StoreBackend, error) {
	if b.Users == nil {
		panic("Users is missing")
	}
	cost := b.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	s := &StoreBackend{users: b.Users, endpoints: b.Endpoints, cost: cost}
	if err := s.EnsureAdministrator(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureAdministrator creates the user "admin" with password "admin", the
// authorities broker-administration and http-access, and OWN permission on
// the endpoint "test", if the store has no users at all.
func (s *StoreBackend) EnsureAdministrator(ctx context.Context) error {
	count, err := s.users.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	logger.FromContext(ctx).Infoln("no users yet, creating admin")
	return s.AddUser(ctx, "admin", "admin",
		access.Authorities{access.AuthorityBrokerAdministration, access.AuthorityHTTPAccess},
		map[string]access.Permission{"test": access.PermissionOwn})
}

// AddUser creates or replaces a user. An empty password creates a user who
// logs in with a client certificate.
func (s *StoreBackend) AddUser(ctx context.Context, name, password string, authorities access.Authorities, permissions map[string]access.Permission) error {
	user := &User{
		Name:        name,
		Authorities: authorities,
		Permissions: permissions,
	}
	if user.Permissions == nil {
		user.Permissions = map[string]access.Permission{}
	}
	if len(password) > 0 {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
	}
	return s.users.SaveUser(ctx, user)
}

// SetPassword changes the password of a user
func (s *StoreBackend) SetPassword(ctx context.Context, name, password string) error {
	user, err := s.users.GetUser(ctx, name)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	return s.users.SaveUser(ctx, user)
}

// SetPermission records the permission of a user on an endpoint. DENY
// removes the record.
func (s *StoreBackend) SetPermission(ctx context.Context, name, endpointID string, permission access.Permission) error {
	user, err := s.users.GetUser(ctx, name)
	if err != nil {
		return err
	}
	if user.Permissions == nil {
		user.Permissions = map[string]access.Permission{}
	}
	if permission == access.PermissionDeny {
		delete(user.Permissions, endpointID)
	} else {
		user.Permissions[endpointID] = permission
	}
	return s.users.SaveUser(ctx, user)
}

// AuthenticateWithPassword implements Backend and access.PasswordAuthenticator
func (s *StoreBackend) AuthenticateWithPassword(ctx context.Context, id, password string) (access.AuthenticationResult, error) {
	user, err := s.users.GetUser(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return access.AuthenticationResult{}, nil
	}
	if err != nil {
		return access.AuthenticationResult{}, err
	}
	if len(user.PasswordHash) == 0 {
		return access.AuthenticationResult{}, nil
	}
	if err = bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return access.AuthenticationResult{}, nil
	}
	return access.Granted(user.Authorities...), nil
}

// AuthenticateWithoutPassword implements Backend. A known user without
// password gets its authorities. Any other identity is an endpoint
// certificate and is accepted unless the endpoint is blocked.
func (s *StoreBackend) AuthenticateWithoutPassword(ctx context.Context, id string) (access.AuthenticationResult, error) {
	user, err := s.users.GetUser(ctx, id)
	switch {
	case err == nil:
		if len(user.PasswordHash) > 0 {
			return access.AuthenticationResult{}, nil
		}
		return access.Granted(user.Authorities...), nil
	case !errors.Is(err, ErrUserNotFound):
		return access.AuthenticationResult{}, err
	}

	if s.endpoints != nil {
		entity, err := s.endpoints.Get(ctx, id)
		switch {
		case err == nil:
			if entity.Blocked {
				return access.AuthenticationResult{}, nil
			}
		case !errors.Is(err, twin.ErrNotFound):
			return access.AuthenticationResult{}, err
		}
	}
	return access.Granted(), nil
}

// AuthorizeEndpointAccess implements Backend. An endpoint owns itself,
// users get their recorded permission.
func (s *StoreBackend) AuthorizeEndpointAccess(ctx context.Context, id, endpointID string) (access.Permission, error) {
	user, err := s.users.GetUser(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		if id == endpointID {
			return access.PermissionOwn, nil
		}
		return access.PermissionDeny, nil
	}
	if err != nil {
		return access.PermissionDeny, err
	}
	return user.Permissions[endpointID], nil
}
