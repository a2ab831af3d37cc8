package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ece-arena/arena-sync/internal/arena"
	apperrors "github.com/ece-arena/arena-sync/internal/errors"
)

// runAction connects, performs one server call and prints its result. Unlike
// watch, a failed connection is fatal here.
func runAction(cmd *cobra.Command, call func(context.Context, *arena.Client) (any, error)) error {
	ctx := cmd.Context()
	node, err := newNode(cmd)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	if err := node.Transport().Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Sync.Endpoint, err)
	}
	res, err := call(ctx, node.Client())
	if err != nil {
		if msg := apperrors.UserMessageOf(err); msg != "" {
			return fmt.Errorf("%s", msg)
		}
		return err
	}
	newPrinter().print(res)
	return nil
}

func actionCommands() []*cobra.Command {
	joinCmd := &cobra.Command{
		Use:   "join <battle-id> <player-id>",
		Short: "Join a battle, optionally with a deck file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var deck []arena.Card
			if raw, _ := cmd.Flags().GetString("deck"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &deck); err != nil {
					return fmt.Errorf("invalid --deck: %w", err)
				}
			}
			return runAction(cmd, func(ctx context.Context, c *arena.Client) (any, error) {
				return c.JoinBattle(ctx, args[0], args[1], deck)
			})
		},
	}
	joinCmd.Flags().String("deck", "", "Deck as a JSON array of cards")

	playCmd := &cobra.Command{
		Use:   "play <battle-id> <player-id> <card-id>",
		Short: "Play a card from hand",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("target")
			return runAction(cmd, func(ctx context.Context, c *arena.Client) (any, error) {
				return c.PlayCard(ctx, args[0], args[1], args[2], target)
			})
		},
	}
	playCmd.Flags().String("target", "", "Target card or player id")

	endTurnCmd := &cobra.Command{
		Use:   "end-turn <battle-id> <player-id>",
		Short: "End the current turn",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, func(ctx context.Context, c *arena.Client) (any, error) {
				return c.EndTurn(ctx, args[0], args[1])
			})
		},
	}

	bidCmd := &cobra.Command{
		Use:   "bid <auction-id> <user-id> <amount>",
		Short: "Place a bid on an auction",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[2], err)
			}
			return runAction(cmd, func(ctx context.Context, c *arena.Client) (any, error) {
				return c.PlaceBid(ctx, args[0], args[1], amount)
			})
		},
	}

	betCmd := &cobra.Command{
		Use:   "bet <market-id> <user-id> <prediction-json>",
		Short: "Place a bet on a prediction market",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("prediction must be valid JSON")
			}
			return runAction(cmd, func(ctx context.Context, c *arena.Client) (any, error) {
				return c.PlaceBet(ctx, args[0], args[1], json.RawMessage(args[2]))
			})
		},
	}

	chatCmd := &cobra.Command{
		Use:   "chat <battle-id> <user-id> <message>",
		Short: "Send a chat message to a battle",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := arena.ChatMessageType
			if emote, _ := cmd.Flags().GetBool("emote"); emote {
				typ = arena.ChatEmoteType
			}
			return runAction(cmd, func(ctx context.Context, c *arena.Client) (any, error) {
				return c.SendChatMessage(ctx, args[0], args[1], args[2], typ)
			})
		},
	}
	chatCmd.Flags().Bool("emote", false, "Send as an emote")

	return []*cobra.Command{joinCmd, playCmd, endTurnCmd, bidCmd, betCmd, chatCmd}
}
