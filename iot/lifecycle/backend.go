package lifecycle

import (
	"context"
	"errors"

	"github.com/relabs-tech/cloudio/core/logger"
	"github.com/relabs-tech/cloudio/iot/model"
	"github.com/relabs-tech/cloudio/iot/twin"
)

// StoreBackend keeps the twins in a twin.Store up to date. Every event is a
// read-modify-write on the entity without locking, concurrent events for
// the same endpoint can lose an update.
type StoreBackend struct {
	store twin.Store
}

// NewStoreBackend returns a backend on the store
func NewStoreBackend(store twin.Store) *StoreBackend {
	if store == nil {
		panic("Store is missing")
	}
	return &StoreBackend{store: store}
}

// EndpointOnline creates or replaces the model of the endpoint and marks it
// online. The blocked state survives.
func (b *StoreBackend) EndpointOnline(ctx context.Context, endpointID string, endpoint *model.Endpoint) error {
	entity, err := b.store.Get(ctx, endpointID)
	if errors.Is(err, twin.ErrNotFound) {
		entity = twin.NewEndpointEntity(endpointID)
	} else if err != nil {
		return err
	}
	entity.Online = true
	entity.Endpoint = endpoint
	return b.store.Save(ctx, entity)
}

// EndpointOffline marks a known endpoint offline
func (b *StoreBackend) EndpointOffline(ctx context.Context, endpointID string) error {
	return b.modify(ctx, endpointID, func(entity *twin.EndpointEntity) {
		entity.Online = false
	})
}

// NodeAdded installs the node in a known endpoint
func (b *StoreBackend) NodeAdded(ctx context.Context, endpointID, nodeName string, node *model.Node) error {
	return b.modify(ctx, endpointID, func(entity *twin.EndpointEntity) {
		entity.Endpoint.AddNode(nodeName, node)
	})
}

// NodeRemoved removes the node from a known endpoint
func (b *StoreBackend) NodeRemoved(ctx context.Context, endpointID, nodeName string) error {
	return b.modify(ctx, endpointID, func(entity *twin.EndpointEntity) {
		entity.Endpoint.RemoveNode(nodeName)
	})
}

// modify applies f to a known endpoint, unknown endpoints are ignored
func (b *StoreBackend) modify(ctx context.Context, endpointID string, f func(entity *twin.EndpointEntity)) error {
	entity, err := b.store.Get(ctx, endpointID)
	if errors.Is(err, twin.ErrNotFound) {
		logger.FromContext(ctx).Debugln("ignoring event for unknown endpoint", endpointID)
		return nil
	}
	if err != nil {
		return err
	}
	if entity.Endpoint == nil {
		entity.Endpoint = model.NewEndpoint()
	}
	f(entity)
	return b.store.Save(ctx, entity)
}

// LogBackend logs lifecycle events
type LogBackend struct{}

// EndpointOnline implements Backend
func (LogBackend) EndpointOnline(ctx context.Context, endpointID string, endpoint *model.Endpoint) error {
	logger.FromContext(ctx).WithField("endpoint", endpointID).Infof("online with %d nodes", len(endpoint.Nodes))
	return nil
}

// EndpointOffline implements Backend
func (LogBackend) EndpointOffline(ctx context.Context, endpointID string) error {
	logger.FromContext(ctx).WithField("endpoint", endpointID).Infoln("offline")
	return nil
}

// NodeAdded implements Backend
func (LogBackend) NodeAdded(ctx context.Context, endpointID, nodeName string, node *model.Node) error {
	logger.FromContext(ctx).WithField("endpoint", endpointID).Infoln("node added:", nodeName)
	return nil
}

// NodeRemoved implements Backend
func (LogBackend) NodeRemoved(ctx context.Context, endpointID, nodeName string) error {
	logger.FromContext(ctx).WithField("endpoint", endpointID).Infoln("node removed:", nodeName)
	return nil
}
