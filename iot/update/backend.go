package update

import (
	"context"
	"errors"

	"github.com/relabs-tech/cloudio/core/logger"
	"github.com/relabs-tech/cloudio/iot/model"
	"github.com/relabs-tech/cloudio/iot/twin"
)

// StoreBackend applies updates to the twins in a twin.Store. Updates for
// unknown endpoints or attributes are skipped silently. Like the lifecycle
// backend it does a read-modify-write without locking.
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

// AttributeUpdated implements Backend
func (b *StoreBackend) AttributeUpdated(ctx context.Context, path string, attribute *model.Attribute) error {
	rlog := logger.FromContext(ctx)
	endpointID, segments, err := model.SplitPath(path)
	if err != nil {
		rlog.WithError(err).Debugln("skipping update")
		return nil
	}
	entity, err := b.store.Get(ctx, endpointID)
	if errors.Is(err, twin.ErrNotFound) {
		rlog.Debugln("skipping update of unknown endpoint", endpointID)
		return nil
	}
	if err != nil {
		return err
	}
	if !entity.Endpoint.UpdateAttribute(segments, attribute) {
		rlog.Debugln("skipping update of unknown attribute", path)
		return nil
	}
	return b.store.Save(ctx, entity)
}

// LogBackend logs updates
type LogBackend struct{}

// AttributeUpdated implements Backend
func (LogBackend) AttributeUpdated(ctx context.Context, path string, attribute *model.Attribute) error {
	logger.FromContext(ctx).WithField("attribute", path).Infof("%s %s = %v at %f",
		attribute.Constraint, attribute.Type, attribute.Value, attribute.Timestamp)
	return nil
}
