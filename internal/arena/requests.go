package arena

import (
	"encoding/json"
	"fmt"
	"strings"

	validator "github.com/go-playground/validator/v10"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
)

// Remote method names.
const (
	MethodJoinBattle      = "battles.join"
	MethodPlayCard        = "battles.playCard"
	MethodEndTurn         = "battles.endTurn"
	MethodPlaceBid        = "marketplace.placeBid"
	MethodPlaceBet        = "marketplace.placeBet"
	MethodSendChatMessage = "chat.sendMessage"
)

// Request is one of the closed set of calls the client makes.
type Request interface {
	Method() string
	Params() []any
}

type JoinBattle struct {
	BattleID string `validate:"required"`
	PlayerID string `validate:"required"`
	Deck     []Card `validate:"dive"`
}

type PlayCard struct {
	BattleID string `validate:"required"`
	PlayerID string `validate:"required"`
	CardID   string `validate:"required"`
	TargetID string
}

type EndTurn struct {
	BattleID string `validate:"required"`
	PlayerID string `validate:"required"`
}

type PlaceBid struct {
	AuctionID string  `validate:"required"`
	UserID    string  `validate:"required"`
	Amount    float64 `validate:"gt=0"`
}

type PlaceBet struct {
	MarketID   string `validate:"required"`
	UserID     string `validate:"required"`
	Prediction any    `validate:"required"`
	// BetID is generated locally so the pushed bet replaces the pending one.
	BetID string `validate:"required"`
}

type SendChatMessage struct {
	BattleID  string   `validate:"required"`
	UserID    string   `validate:"required"`
	Message   string   `validate:"required,max=500"`
	Type      ChatType `validate:"oneof=message emote"`
	MessageID string   `validate:"required"`
}

func (JoinBattle) Method() string      { return MethodJoinBattle }
func (PlayCard) Method() string        { return MethodPlayCard }
func (EndTurn) Method() string         { return MethodEndTurn }
func (PlaceBid) Method() string        { return MethodPlaceBid }
func (PlaceBet) Method() string        { return MethodPlaceBet }
func (SendChatMessage) Method() string { return MethodSendChatMessage }

func (r JoinBattle) Params() []any { return []any{r.BattleID, r.PlayerID, r.Deck} }

// Params sends a null target when none was chosen.
func (r PlayCard) Params() []any {
	var target any
	if r.TargetID != "" {
		target = r.TargetID
	}
	return []any{r.BattleID, r.PlayerID, r.CardID, target}
}

func (r EndTurn) Params() []any  { return []any{r.BattleID, r.PlayerID} }
func (r PlaceBid) Params() []any { return []any{r.AuctionID, r.UserID, r.Amount} }
func (r PlaceBet) Params() []any { return []any{r.MarketID, r.UserID, r.Prediction, r.BetID} }

func (r SendChatMessage) Params() []any {
	return []any{r.BattleID, r.UserID, r.Message, r.Type, r.MessageID}
}

type JoinResult struct {
	Joined bool  `json:"joined"`
	Phase  Phase `json:"phase,omitempty"`
}

type PlayResult struct {
	Accepted bool            `json:"accepted"`
	Effects  json.RawMessage `json:"effects,omitempty"`
}

type TurnResult struct {
	NextTurn string `json:"nextTurn,omitempty"`
	TimeLeft int    `json:"timeLeft,omitempty"`
}

type BidResult struct {
	Accepted   bool    `json:"accepted"`
	CurrentBid float64 `json:"currentBid,omitempty"`
}

type BetResult struct {
	BetID string  `json:"betId,omitempty"`
	Odds  float64 `json:"odds,omitempty"`
}

type ChatResult struct {
	MessageID string `json:"messageId,omitempty"`
}

var validate = validator.New()

func validateRequest(r Request) error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.InvalidRequest(r.Method(), err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperrors.InvalidRequest(r.Method(), strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// decodeResult tolerates empty and null replies, which yield the zero value.
func decodeResult[T any](method string, raw json.RawMessage) (T, error) {
	var out T
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, apperrors.ProtocolError("decode "+method+" result", err)
	}
	return out, nil
}
