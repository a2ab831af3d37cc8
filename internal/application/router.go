package application

import (
	"go.uber.org/zap"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/protocol"
	"github.com/ece-arena/arena-sync/internal/store"
	"github.com/ece-arena/arena-sync/internal/subscription"
)

// router applies server pushes: readiness goes to the registry, document
// changes go to the store. It runs on the transport's read goroutine, so
// pushes are applied in arrival order.
type router struct {
	subs  *subscription.Registry
	store *store.Store
	log   *zap.Logger
}

func (r *router) handle(msg protocol.Message) {
	var err error
	switch m := msg.(type) {
	case *protocol.Ready:
		r.subs.HandleReady(m.Subs)
	case *protocol.NoSub:
		r.subs.HandleNoSub(m.ID, m.Error)
	case *protocol.Added:
		_, err = r.store.Batch(func(tx *store.Tx) error {
			return tx.Upsert(m.Collection, m.ID, m.Fields)
		})
	case *protocol.Changed:
		_, err = r.store.Batch(func(tx *store.Tx) error {
			return tx.Merge(m.Collection, m.ID, m.Fields, m.Cleared)
		})
	case *protocol.Removed:
		_, _ = r.store.Batch(func(tx *store.Tx) error {
			tx.Remove(m.Collection, m.ID)
			return nil
		})
	default:
		r.log.Debug("Ignoring push", zap.String("msg", msg.Kind()))
	}
	if err != nil {
		apperrors.Log(r.log, "Failed to apply push", apperrors.ProtocolError("apply "+msg.Kind(), err))
	}
}
