package arena

import (
	"cmp"
	"context"
	"encoding/json"
	"iter"
	"slices"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/store"
)

// WatchBattle delivers the battle to fn whenever it changes. A cached
// snapshot, if any, is delivered first; live states are written back to the
// cache in the background. fn runs synchronously with store writes and must
// not block.
func (c *Client) WatchBattle(ctx context.Context, battleID string, fn func(Battle)) (stop func(), err error) {
	log := logger.For(ctx, c.log).With(zap.String("battle_id", battleID))

	if raw, ok, err := c.deps.Snapshots.LoadBattle(ctx, battleID); err != nil {
		apperrors.Log(log, "Battle snapshot unavailable", err)
	} else if ok {
		var b Battle
		if err := json.Unmarshal(raw, &b); err != nil {
			log.Warn("Ignoring undecodable battle snapshot", zap.Error(err))
		} else {
			fn(b)
		}
	}

	release, err := c.acquire(BattlePublication, battleID)
	if err != nil {
		return nil, err
	}

	battles := c.deps.Store.Collection(BattlesCollection)
	stopReactive := c.deps.Store.Reactive(func(comp *store.Computation) {
		doc, ok := battles.FindOne(comp, battleID)
		if !ok {
			return
		}
		var b Battle
		if err := doc.Decode(&b); err != nil {
			log.Warn("Ignoring undecodable battle", zap.Error(err))
			return
		}
		fn(b)
		if b.Phase == PhaseEnded && c.deps.Latency != nil {
			c.deps.Latency.Forget(BattleKey(battleID))
		}
		c.cacheBattle(battleID, b.Phase, doc.Raw)
	})

	return stopper(stopReactive, release), nil
}

// cacheBattle writes the state back to the snapshot cache off the reactive
// path. An ended battle is dropped from the cache instead.
func (c *Client) cacheBattle(battleID string, phase Phase, raw json.RawMessage) {
	if c.deps.Jobs == nil {
		return
	}
	c.deps.Jobs.AddJob(func() {
		ctx := context.Background()
		if phase == PhaseEnded {
			if err := c.deps.Snapshots.Invalidate(ctx, battleID); err != nil {
				apperrors.Log(c.log, "Failed to drop ended battle from cache", err, zap.String("battle_id", battleID))
			}
			return
		}
		if err := c.deps.Snapshots.SaveBattle(ctx, battleID, raw); err != nil {
			apperrors.Log(c.log, "Failed to cache battle state", err, zap.String("battle_id", battleID))
		}
	})
}

// WatchMarketplace delivers every auction and bet whenever either changes.
func (c *Client) WatchMarketplace(fn func(MarketState)) (stop func(), err error) {
	releaseAuctions, err := c.acquire(AuctionsPublication)
	if err != nil {
		return nil, err
	}
	releaseBets, err := c.acquire(BetsPublication)
	if err != nil {
		releaseAuctions()
		return nil, err
	}

	auctions := c.deps.Store.Collection(AuctionsCollection)
	bets := c.deps.Store.Collection(BetsCollection)
	stopReactive := c.deps.Store.Reactive(func(comp *store.Computation) {
		fn(MarketState{
			Auctions: decodeAll[Auction](c.log, auctions.Find(comp, nil)),
			Bets:     decodeAll[Bet](c.log, bets.Find(comp, nil)),
		})
	})

	return stopper(stopReactive, releaseAuctions, releaseBets), nil
}

// WatchChat delivers the battle's messages, oldest first, whenever they change.
func (c *Client) WatchChat(battleID string, fn func([]ChatMessage)) (stop func(), err error) {
	release, err := c.acquire(ChatPublication, battleID)
	if err != nil {
		return nil, err
	}

	chat := c.deps.Store.Collection(ChatCollection)
	stopReactive := c.deps.Store.Reactive(func(comp *store.Computation) {
		msgs := decodeAll[ChatMessage](c.log, chat.Find(comp, store.Field("battleId", battleID)))
		slices.SortStableFunc(msgs, func(a, b ChatMessage) int {
			return cmp.Compare(a.Timestamp, b.Timestamp)
		})
		fn(msgs)
	})

	return stopper(stopReactive, release), nil
}

func decodeAll[T any](log *zap.Logger, docs iter.Seq[store.Document]) []T {
	out := []T{}
	for d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			log.Debug("Skipping undecodable document", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}

func stopper(fns ...func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, f := range fns {
				f()
			}
		})
	}
}
