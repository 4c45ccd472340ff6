package twin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/relabs-tech/cloudio/core/registry"
	"github.com/relabs-tech/cloudio/iot/model"
)

// ErrNotFound is returned when an endpoint is not known
var ErrNotFound = errors.New("endpoint not found")

// EndpointEntity is the stored twin of an endpoint
type EndpointEntity struct {
	ID       string          `json:"id"`
	Online   bool            `json:"online"`
	Blocked  bool            `json:"blocked"`
	Endpoint *model.Endpoint `json:"endpoint"`
}

// NewEndpointEntity returns an entity with an empty model
func NewEndpointEntity(id string) *EndpointEntity {
	return &EndpointEntity{ID: id, Endpoint: model.NewEndpoint()}
}

func (e *EndpointEntity) clone() *EndpointEntity {
	c := *e
	c.Endpoint = e.Endpoint.Clone()
	return &c
}

// Store persists endpoint entities. Entities returned by Get are copies,
// changes become visible with Save only.
type Store interface {
	Get(ctx context.Context, id string) (*EndpointEntity, error)
	Save(ctx context.Context, entity *EndpointEntity) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mutex    sync.RWMutex
	entities map[string]*EndpointEntity
}

// NewMemoryStore returns an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: map[string]*EndpointEntity{}}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, id string) (*EndpointEntity, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entity, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entity.clone(), nil
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, entity *EndpointEntity) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entities[entity.ID] = entity.clone()
	return nil
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.entities[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.entities, id)
	return nil
}

// RegistryStore is a Store in the postgres registry. Entities are kept as
// JSON documents under the prefix "endpoint".
type RegistryStore struct {
	accessor registry.Accessor
}

// NewRegistryStore returns a store on the registry
func NewRegistryStore(r registry.Registry) *RegistryStore {
	return &RegistryStore{accessor: r.Accessor("endpoint")}
}

// Get implements Store
func (s *RegistryStore) Get(ctx context.Context, id string) (*EndpointEntity, error) {
	entity := &EndpointEntity{}
	timestamp, err := s.accessor.Read(ctx, id, entity)
	if err != nil {
		return nil, err
	}
	if timestamp.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if entity.Endpoint == nil {
		entity.Endpoint = model.NewEndpoint()
	}
	// numbers come back as float64 from the JSON column
	if err = entity.Endpoint.Normalize(); err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", id, err)
	}
	return entity, nil
}

// Save implements Store
func (s *RegistryStore) Save(ctx context.Context, entity *EndpointEntity) error {
	return s.accessor.Write(ctx, entity.ID, entity)
}

// List implements Store
func (s *RegistryStore) List(ctx context.Context) ([]string, error) {
	return s.accessor.Keys(ctx)
}

// Delete implements Store
func (s *RegistryStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.accessor.Delete(ctx, id)
}
