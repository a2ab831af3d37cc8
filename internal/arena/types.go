package arena

import "encoding/json"

// Collection names pushed by the server.
const (
	BattlesCollection  = "battles"
	AuctionsCollection = "auctions"
	BetsCollection     = "bets"
	ChatCollection     = "chat"
)

// Publication names.
const (
	BattlePublication   = "battle"
	AuctionsPublication = "marketplace.auctions"
	BetsPublication     = "marketplace.bets"
	ChatPublication     = "chat"
)

type Phase string

const (
	PhaseWaiting       Phase = "waiting"
	PhaseDeckSelection Phase = "deck-selection"
	PhaseBattle        Phase = "battle"
	PhaseEnded         Phase = "ended"
)

type Card struct {
	ID       string `json:"id"              validate:"required"`
	Name     string `json:"name,omitempty"`
	Cost     int    `json:"cost,omitempty"`
	Attack   int    `json:"attack,omitempty"`
	Health   int    `json:"health,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}

type Player struct {
	ID    string `json:"id"`
	Deck  []Card `json:"deck,omitempty"`
	Hand  []Card `json:"hand"`
	Field []Card `json:"field"`
}

type Battle struct {
	ID          string          `json:"_id"`
	Phase       Phase           `json:"phase"`
	Players     []Player        `json:"players"`
	CurrentTurn string          `json:"currentTurn,omitempty"`
	TimeLeft    int             `json:"timeLeft,omitempty"`
	GameState   json.RawMessage `json:"gameState,omitempty"`
}

type Bid struct {
	UserID    string  `json:"userId"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

type Auction struct {
	ID         string  `json:"_id"`
	CardID     string  `json:"cardId,omitempty"`
	CurrentBid float64 `json:"currentBid"`
	WinnerID   string  `json:"winnerId,omitempty"`
	Bids       []Bid   `json:"bids,omitempty"`
	EndsAt     int64   `json:"endsAt,omitempty"`
}

type BetStatus string

const (
	BetPending BetStatus = "pending"
	BetWon     BetStatus = "won"
	BetLost    BetStatus = "lost"
)

type Bet struct {
	ID         string          `json:"_id"`
	MarketID   string          `json:"marketId"`
	UserID     string          `json:"userId"`
	Prediction json.RawMessage `json:"prediction"`
	Status     BetStatus       `json:"status"`
	CreatedAt  int64           `json:"createdAt"`
}

type ChatType string

const (
	ChatMessageType ChatType = "message"
	ChatEmoteType   ChatType = "emote"
)

type ChatMessage struct {
	ID        string   `json:"_id"`
	BattleID  string   `json:"battleId"`
	UserID    string   `json:"userId"`
	Message   string   `json:"message"`
	Type      ChatType `json:"type"`
	Timestamp int64    `json:"timestamp"`
	// Pending marks a message sent from here that the server has not echoed yet.
	Pending bool `json:"pending,omitempty"`
}

// MarketState is what WatchMarketplace delivers.
type MarketState struct {
	Auctions []Auction
	Bets     []Bet
}
