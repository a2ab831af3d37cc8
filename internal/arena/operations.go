package arena

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/ece-arena/arena-sync/internal/logger"
	"github.com/ece-arena/arena-sync/internal/mutation"
	"github.com/ece-arena/arena-sync/internal/store"
)

// Mutation keys and latency channels.
func BattleKey(battleID string) string   { return "battle-" + battleID }
func AuctionKey(auctionID string) string { return "auction-" + auctionID }
func BetKey(marketID string) string      { return "bet-" + marketID }
func ChatKey(messageID string) string    { return "chat-" + messageID }

// JoinBattle adds the player to the battle locally, creating a waiting
// battle if none is known yet, and asks the server to seat them.
func (c *Client) JoinBattle(ctx context.Context, battleID, playerID string, deck []Card) (JoinResult, error) {
	req := JoinBattle{BattleID: battleID, PlayerID: playerID, Deck: deck}
	return invoke[JoinResult](ctx, c, req, BattlePublication, []any{battleID},
		BattleKey(battleID), BattleKey(battleID),
		func(tx *store.Tx) error {
			if _, ok := tx.Get(BattlesCollection, battleID); !ok {
				return tx.Upsert(BattlesCollection, battleID, Battle{
					ID:      battleID,
					Phase:   PhaseWaiting,
					Players: []Player{newPlayer(playerID, deck)},
				})
			}
			return edit(tx, BattlesCollection, battleID, func(raw []byte) ([]byte, error) {
				if indexByID(raw, "players", playerID) >= 0 {
					return nil, nil
				}
				return sjson.SetBytes(raw, "players.-1", newPlayer(playerID, deck))
			})
		})
}

func newPlayer(id string, deck []Card) Player {
	return Player{ID: id, Deck: deck, Hand: []Card{}, Field: []Card{}}
}

// PlayCard moves the card from the player's hand to their field.
func (c *Client) PlayCard(ctx context.Context, battleID, playerID, cardID, targetID string) (PlayResult, error) {
	req := PlayCard{BattleID: battleID, PlayerID: playerID, CardID: cardID, TargetID: targetID}
	return invoke[PlayResult](ctx, c, req, BattlePublication, []any{battleID},
		BattleKey(battleID), BattleKey(battleID),
		func(tx *store.Tx) error {
			return edit(tx, BattlesCollection, battleID, func(raw []byte) ([]byte, error) {
				i := indexByID(raw, "players", playerID)
				if i < 0 {
					return nil, nil
				}
				player := "players." + strconv.Itoa(i)
				j := indexByID(raw, player+".hand", cardID)
				if j < 0 {
					return nil, nil
				}
				slot := player + ".hand." + strconv.Itoa(j)

				card := []byte(gjson.GetBytes(raw, slot).Raw)
				var err error
				if targetID != "" {
					card, err = sjson.SetBytes(card, "targetId", targetID)
				} else {
					card, err = sjson.DeleteBytes(card, "targetId")
				}
				if err != nil {
					return nil, err
				}
				if raw, err = sjson.DeleteBytes(raw, slot); err != nil {
					return nil, err
				}
				return sjson.SetRawBytes(raw, player+".field.-1", card)
			})
		})
}

// EndTurn hands the turn to the next seated player.
func (c *Client) EndTurn(ctx context.Context, battleID, playerID string) (TurnResult, error) {
	req := EndTurn{BattleID: battleID, PlayerID: playerID}
	return invoke[TurnResult](ctx, c, req, BattlePublication, []any{battleID},
		BattleKey(battleID), BattleKey(battleID),
		func(tx *store.Tx) error {
			return edit(tx, BattlesCollection, battleID, func(raw []byte) ([]byte, error) {
				i := indexByID(raw, "players", playerID)
				n := int(gjson.GetBytes(raw, "players.#").Int())
				if i < 0 || n < 2 {
					return nil, nil
				}
				next := gjson.GetBytes(raw, "players."+strconv.Itoa((i+1)%n)+".id").String()
				return sjson.SetBytes(raw, "currentTurn", next)
			})
		})
}

// PlaceBid shows the bid as winning until the server answers.
func (c *Client) PlaceBid(ctx context.Context, auctionID, userID string, amount float64) (BidResult, error) {
	req := PlaceBid{AuctionID: auctionID, UserID: userID, Amount: amount}
	return invoke[BidResult](ctx, c, req, AuctionsPublication, nil,
		AuctionKey(auctionID), AuctionKey(auctionID),
		func(tx *store.Tx) error {
			return edit(tx, AuctionsCollection, auctionID, func(raw []byte) ([]byte, error) {
				raw, err := sjson.SetBytes(raw, "currentBid", amount)
				if err != nil {
					return nil, err
				}
				if raw, err = sjson.SetBytes(raw, "winnerId", userID); err != nil {
					return nil, err
				}
				return sjson.SetBytes(raw, "bids.-1", Bid{UserID: userID, Amount: amount, Timestamp: c.millis()})
			})
		})
}

// PlaceBet records a pending bet under a locally generated id.
func (c *Client) PlaceBet(ctx context.Context, marketID, userID string, prediction any) (BetResult, error) {
	req := PlaceBet{MarketID: marketID, UserID: userID, Prediction: prediction, BetID: c.newID()}
	res, err := invoke[BetResult](ctx, c, req, BetsPublication, nil,
		BetKey(marketID), "",
		func(tx *store.Tx) error {
			pred, err := json.Marshal(prediction)
			if err != nil {
				return err
			}
			return tx.Upsert(BetsCollection, req.BetID, Bet{
				ID:         req.BetID,
				MarketID:   marketID,
				UserID:     userID,
				Prediction: pred,
				Status:     BetPending,
				CreatedAt:  c.millis(),
			})
		})
	if err == nil && res.BetID == "" {
		res.BetID = req.BetID
	}
	return res, err
}

// SendChatMessage shows the message as pending until the server echoes it.
func (c *Client) SendChatMessage(ctx context.Context, battleID, userID, message string, typ ChatType) (ChatResult, error) {
	if typ == "" {
		typ = ChatMessageType
	}
	req := SendChatMessage{BattleID: battleID, UserID: userID, Message: message, Type: typ, MessageID: c.newID()}
	res, err := invoke[ChatResult](ctx, c, req, ChatPublication, []any{battleID},
		ChatKey(req.MessageID), "",
		func(tx *store.Tx) error {
			return tx.Upsert(ChatCollection, req.MessageID, ChatMessage{
				ID:        req.MessageID,
				BattleID:  battleID,
				UserID:    userID,
				Message:   message,
				Type:      typ,
				Timestamp: c.millis(),
				Pending:   true,
			})
		})
	if err == nil && res.MessageID == "" {
		res.MessageID = req.MessageID
	}
	return res, err
}

// invoke validates req, makes sure its publication is subscribed and runs it
// as an optimistic mutation.
func invoke[T any](ctx context.Context, c *Client, req Request, pub string, pubParams []any,
	key, channel string, apply func(*store.Tx) error) (T, error) {
	var zero T
	if err := validateRequest(req); err != nil {
		return zero, err
	}
	if err := c.ensure(pub, pubParams...); err != nil {
		return zero, err
	}

	raw, err := c.deps.Mutations.Mutate(ctx, mutation.Mutation{
		Key:     key,
		Channel: channel,
		Apply:   apply,
		Remote: func(ctx context.Context) (json.RawMessage, error) {
			return c.deps.Caller.Call(ctx, req.Method(), req.Params()...)
		},
	})
	if err != nil {
		return zero, err
	}

	res, err := decodeResult[T](req.Method(), raw)
	if err != nil {
		// the server accepted the call; only the reply shape is unexpected
		logger.For(ctx, c.log).Warn("Unexpected result shape", zap.String("method", req.Method()), zap.Error(err))
		return zero, nil
	}
	return res, nil
}

// edit lets fn rewrite the stored document's raw JSON and writes the result
// back. Working on the raw bytes keeps every field the typed model does not
// declare. fn returns nil to leave the document alone; a missing document is
// skipped and the server decides.
func edit(tx *store.Tx, collection, id string, fn func(raw []byte) ([]byte, error)) error {
	doc, ok := tx.Get(collection, id)
	if !ok {
		return nil
	}
	out, err := fn(bytes.Clone(doc.Raw))
	if err != nil {
		return fmt.Errorf("edit %s/%s: %w", collection, id, err)
	}
	if out == nil {
		return nil
	}
	return tx.Upsert(collection, id, json.RawMessage(out))
}

// indexByID returns the position of the element of the array at path whose
// id equals id, or -1.
func indexByID(raw []byte, path, id string) int {
	i, found := 0, -1
	gjson.GetBytes(raw, path).ForEach(func(_, v gjson.Result) bool {
		if v.Get("id").String() == id {
			found = i
			return false
		}
		i++
		return true
	})
	return found
}
